// Package imaging loads, writes and conditions camera frames for ball detection.
//
// It covers everything that touches pixels before a detector sees them:
//   - LoadFrame / FrameCodec: decode a frame reference, or write a frame to a
//     uniquely named file that can be passed as a reference
//   - Normalize: brightness, contrast and gamma correction
//   - ColorMask / RegionOfInterest: HSV range segmentation with blur and
//     erode/dilate cleanup
//   - DetectEdges: Canny edges with gradient directions
//   - FitInput: resizing to the detector's input size
//
// # Coordinate System
//
// All pixel coordinates in this package are 0-based with (0,0) at the top-left
// corner, X increasing rightward and Y increasing downward. Regions use an
// inclusive top-left and exclusive bottom-right corner.
//
// # Thread Safety
//
// Every function is stateless and safe to call concurrently on different
// images. FrameCodec holds only configuration; concurrent Write calls produce
// distinct files.
//
// # Error Handling
//
// LoadFrame wraps every failure with ErrFrameUnreadable so callers can match
// it with errors.Is regardless of whether the file was missing or corrupt.
package imaging
