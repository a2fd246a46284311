package detection

import (
	"image"
	"math"
	"sort"

	"github.com/ironsheep/ball-detect/internal/imaging"
)

// Point represents a 2D coordinate in pixel space.
type Point struct {
	X int `json:"x"` // Horizontal position (0 = leftmost)
	Y int `json:"y"` // Vertical position (0 = topmost)
}

// Circle represents a detected circular shape.
type Circle struct {
	// Center is the detected center point of the circle.
	Center Point `json:"center"`

	// Radius is the detected radius in pixels.
	Radius int `json:"radius"`

	// Confidence indicates detection quality (0.0 to 1.0).
	// Based on the ratio of edge votes to expected circumference.
	Confidence float64 `json:"confidence"`
}

// CircleOptions tunes DetectCircles.
type CircleOptions struct {
	// EdgeLow and EdgeHigh are the Canny hysteresis thresholds (0-255).
	EdgeLow  int
	EdgeHigh int

	// MinVotes is the fraction of the circumference (2πr) that must vote for
	// a center before it counts as a circle.
	MinVotes float64
}

// DefaultCircleOptions returns thresholds that work for a solid ball against
// a floor.
func DefaultCircleOptions() CircleOptions {
	return CircleOptions{
		EdgeLow:  50,
		EdgeHigh: 150,
		MinVotes: 0.25,
	}
}

// DetectCircles finds circular shapes in an image using a gradient Hough
// transform.
//
// Parameters:
//   - img: Source image to analyze.
//   - minRadius, maxRadius: Radius search range in pixels (inclusive).
//   - opts: Edge and vote thresholds.
//
// Returns circles sorted by confidence (highest first) with near-duplicate
// centers removed.
//
// # Algorithm
//
//  1. Edge Detection: Canny edges with gradient directions (imaging.DetectEdges)
//  2. Accumulator Voting: For each radius, every edge pixel votes for the two
//     points at that distance along its gradient direction. A ball's rim
//     pixels all point at the same center, so the votes pile up there.
//  3. Peak Detection: Local maxima (5px window) above MinVotes·2πr
//  4. Duplicate Removal: Merge circles with overlapping centers
//
// # Confidence Score
//
// Confidence is votes / (2π × radius), capped at 1.0: the fraction of the
// ideal circumference whose edge pixels agree on the center.
//
// # Limitations
//
//   - Circles cut by the frame border are not reported (the center must lie
//     at least one radius inside the frame)
//   - Ellipses (strong perspective) split their votes and score lower
func DetectCircles(img image.Image, minRadius, maxRadius int, opts CircleOptions) []Circle {
	if minRadius < 1 {
		minRadius = 1
	}
	if maxRadius < minRadius {
		return nil
	}

	bounds := img.Bounds()
	field := imaging.DetectEdges(img, opts.EdgeLow, opts.EdgeHigh)
	width, height := field.Width, field.Height

	type edgePixel struct {
		x, y     float64
		cos, sin float64
	}
	edgePixels := make([]edgePixel, 0)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if field.Edges[y][x] {
				d := field.Direction[y][x]
				edgePixels = append(edgePixels, edgePixel{float64(x), float64(y), math.Cos(d), math.Sin(d)})
			}
		}
	}
	if len(edgePixels) == 0 {
		return []Circle{}
	}

	circles := make([]Circle, 0)
	accumulator := make([][]int, height)
	for y := 0; y < height; y++ {
		accumulator[y] = make([]int, width)
	}

	for radius := minRadius; radius <= maxRadius; radius++ {
		for y := 0; y < height; y++ {
			for x := range accumulator[y] {
				accumulator[y][x] = 0
			}
		}

		r := float64(radius)
		for _, p := range edgePixels {
			for _, sign := range [2]float64{1, -1} {
				cx := int(math.Round(p.x - sign*r*p.cos))
				cy := int(math.Round(p.y - sign*r*p.sin))
				if cx >= 0 && cx < width && cy >= 0 && cy < height {
					accumulator[cy][cx]++
				}
			}
		}

		circumference := 2 * math.Pi * r
		threshold := int(math.Ceil(opts.MinVotes * circumference))
		if threshold < 1 {
			threshold = 1
		}

		for y := radius; y < height-radius; y++ {
			for x := radius; x < width-radius; x++ {
				votes := accumulator[y][x]
				if votes < threshold {
					continue
				}

				isMax := true
				for dy := -5; dy <= 5 && isMax; dy++ {
					for dx := -5; dx <= 5 && isMax; dx++ {
						if dy == 0 && dx == 0 {
							continue
						}
						ny, nx := y+dy, x+dx
						if ny >= 0 && ny < height && nx >= 0 && nx < width {
							if accumulator[ny][nx] > votes {
								isMax = false
							}
						}
					}
				}

				if isMax {
					circles = append(circles, Circle{
						Center: Point{
							X: x + bounds.Min.X,
							Y: y + bounds.Min.Y,
						},
						Radius:     radius,
						Confidence: math.Min(float64(votes)/circumference, 1.0),
					})
				}
			}
		}
	}

	sort.SliceStable(circles, func(i, j int) bool {
		return circles[i].Confidence > circles[j].Confidence
	})

	return filterDuplicateCircles(circles)
}

// filterDuplicateCircles removes circles with overlapping centers.
//
// Two circles are considered duplicates if the distance between their centers
// is less than the average of their radii. In such cases, only the first
// circle (higher confidence, since the input is sorted) is kept.
func filterDuplicateCircles(circles []Circle) []Circle {
	filtered := make([]Circle, 0, len(circles))
	for _, c := range circles {
		isDuplicate := false
		for _, f := range filtered {
			dx := c.Center.X - f.Center.X
			dy := c.Center.Y - f.Center.Y
			dist := math.Sqrt(float64(dx*dx + dy*dy))
			if dist < float64(c.Radius+f.Radius)/2 {
				isDuplicate = true
				break
			}
		}
		if !isDuplicate {
			filtered = append(filtered, c)
		}
	}
	return filtered
}

// Blob is a connected region of set pixels in a mask.
type Blob struct {
	// Bounds encloses the blob; Max is exclusive.
	Bounds image.Rectangle

	// Area is the number of pixels in the blob.
	Area int
}

// FindBlobs groups the non-zero pixels of mask into 8-connected blobs.
//
// Blobs smaller than minArea pixels are discarded as noise. The result is
// sorted by area, largest first.
func FindBlobs(mask *image.Gray, minArea int) []Blob {
	bounds := mask.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	set := make([][]bool, height)
	visited := make([][]bool, height)
	for y := 0; y < height; y++ {
		set[y] = make([]bool, width)
		visited[y] = make([]bool, width)
		for x := 0; x < width; x++ {
			set[y][x] = mask.GrayAt(x+bounds.Min.X, y+bounds.Min.Y).Y != 0
		}
	}

	blobs := make([]Blob, 0)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if !set[y][x] || visited[y][x] {
				continue
			}
			contour := make([]Point, 0)
			floodFill(set, visited, x, y, width, height, &contour)
			if len(contour) < minArea {
				continue
			}

			minX, minY := width, height
			maxX, maxY := 0, 0
			for _, p := range contour {
				minX = min(minX, p.X)
				maxX = max(maxX, p.X)
				minY = min(minY, p.Y)
				maxY = max(maxY, p.Y)
			}
			blobs = append(blobs, Blob{
				Bounds: image.Rect(minX, minY, maxX+1, maxY+1).Add(bounds.Min),
				Area:   len(contour),
			})
		}
	}

	sort.SliceStable(blobs, func(i, j int) bool {
		return blobs[i].Area > blobs[j].Area
	})
	return blobs
}

// floodFill performs iterative flood-fill from a starting point.
//
// Uses a stack-based approach (not recursive) to avoid stack overflow
// on large regions. Marks visited pixels and appends them to the contour.
// Uses 8-connectivity (includes diagonal neighbors).
func floodFill(set, visited [][]bool, startX, startY, width, height int, contour *[]Point) {
	stack := []Point{{X: startX, Y: startY}}

	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if p.X < 0 || p.X >= width || p.Y < 0 || p.Y >= height {
			continue
		}
		if visited[p.Y][p.X] || !set[p.Y][p.X] {
			continue
		}

		visited[p.Y][p.X] = true
		*contour = append(*contour, p)

		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				if dx == 0 && dy == 0 {
					continue
				}
				stack = append(stack, Point{X: p.X + dx, Y: p.Y + dy})
			}
		}
	}
}
