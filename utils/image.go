package utils

import (
	"fmt"
	"image/jpeg"
	"io"
	"os"

	"gocv.io/x/gocv"
	"gorgonia.org/tensor"
)

func ConvertImageToMat(bImage []byte) (*gocv.Mat, error) {
	dstMat := gocv.NewMat()
	srcMat, err := gocv.IMDecode(bImage, gocv.IMReadColor)
	if err != nil {
		return &dstMat, err
	}
	if srcMat.Empty() {
		return &dstMat, fmt.Errorf("cannot decode image bytes")
	}

	gocv.CvtColor(srcMat, &dstMat, gocv.ColorBGRToRGB)
	return &dstMat, nil
}

// ReadImageMat loads an image file from disk into a Mat. Returns an error for
// missing files and for files OpenCV cannot decode.
func ReadImageMat(fPath string) (*gocv.Mat, error) {
	f, err := os.Open(fPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}

	srcMat, err := gocv.IMDecode(content, gocv.IMReadColor)
	if err != nil {
		return nil, err
	}
	if srcMat.Empty() {
		return nil, fmt.Errorf("cannot decode image file %s", fPath)
	}

	dstMat := gocv.NewMat()
	gocv.CvtColor(srcMat, &dstMat, gocv.ColorBGRToRGB)
	return &dstMat, nil
}

func TensorToPoints(t *tensor.Dense) ([]gocv.Point2f, error) {
	shape := t.Shape()
	if len(shape) != 2 || shape[1] != 2 {
		return nil, fmt.Errorf("expected a 2D tensor with shape (n, 2), got shape: %v", shape)
	}
	data := t.Float32s()
	n := shape[0]
	points := make([]gocv.Point2f, n)
	for i := 0; i < n; i++ {
		points[i] = gocv.Point2f{
			X: data[i*2],
			Y: data[i*2+1],
		}
	}

	return points, nil
}

func PointsToTensor(points []gocv.Point2f) *tensor.Dense {
	backing := make([]float32, 0, len(points)*2)
	for _, p := range points {
		backing = append(backing, p.X, p.Y)
	}
	return tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(len(points), 2),
		tensor.WithBacking(backing),
	)
}

func OpenCVImageToJPEG(fPath string, jpegQuality int, img gocv.Mat) error {
	outImg, err := img.ToImage()
	if err != nil {
		return err
	}

	f, err := os.Create(fPath)
	if err != nil {
		return err
	}
	defer f.Close()

	opt := jpeg.Options{
		Quality: jpegQuality,
	}
	err = jpeg.Encode(f, outImg, &opt)
	if err != nil {
		return err
	}
	return nil
}
