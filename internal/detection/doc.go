// Package detection turns a frame into candidate ball bounding boxes.
//
// Every backend implements the Detector interface and returns zero or more
// Box values in its own native order (usually confidence or area, highest
// first). Choosing which box to trust is left to the caller.
//
// # Backends
//
//   - HoughDetector: gradient Hough circle transform over Canny edges
//   - ColorDetector: HSV range mask and connected blobs
//   - HTTPDetector: a model service reached over HTTP (multipart JPEG upload)
//   - VisionDetector: Google Cloud Vision object localization
//
// # Concurrency
//
// A detector that can serve several frames at once advertises it by also
// implementing ThreadSafeDetector. All built-in backends do. A bare Detector
// (for example a DetectorFunc wrapping a stateful model) must be serialized
// by the caller.
//
// # Coordinate System
//
// All coordinates use the standard image convention:
//   - Origin (0, 0) at top-left corner
//   - X increases rightward
//   - Y increases downward
package detection
