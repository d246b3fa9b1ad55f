package modules

import (
	"errors"
	"image"

	"github.com/moonkyc/go-kyc-pipeline/config"
	"github.com/moonkyc/go-kyc-pipeline/utils"
	gotritonclient "github.com/okieraised/go-triton-client"
	"github.com/okieraised/go-triton-client/triton_proto"
	"gocv.io/x/gocv"
	"gorgonia.org/tensor"
)

var ErrFaceNotFound = errors.New("cannot detect any face in input image")

// FaceObservation is one detected face: pixel-space bounding box, detection
// score and the 68-point landmark set.
type FaceObservation struct {
	Box       *tensor.Dense // (4,) x1, y1, x2, y2 in pixels
	Score     float32
	Landmarks *tensor.Dense // (68, 2) in pixels
}

// LandmarkClient serves the combined face detection and 68-point landmark
// model. Zero detections is an empty result, not an error, so per-frame
// callers can treat "no face" as a no-op.
type LandmarkClient struct {
	tritonClient *gotritonclient.TritonGRPCClient
	ModelParams  *config.LandmarkDetectionParams
	ModelConfig  *triton_proto.ModelConfigResponse
}

func NewLandmarkClient(triton *gotritonclient.TritonGRPCClient, cfg *config.LandmarkDetectionParams) (*LandmarkClient, error) {

	inferenceConfig, err := triton.GetModelConfiguration(cfg.Timeout, cfg.ModelName, "")
	if err != nil {
		return nil, err
	}

	return &LandmarkClient{
		tritonClient: triton,
		ModelParams:  cfg,
		ModelConfig:  inferenceConfig,
	}, nil
}

// preprocess letterboxes the input into the model canvas, preserving aspect
// ratio, then normalizes into a CHW float tensor.
func (c *LandmarkClient) preprocess(rawInputTensors []gocv.Mat) ([]*tensor.Dense, []config.Size, error) {
	outputs := make([]*tensor.Dense, 0)
	input := rawInputTensors[0]
	imgH, imgW := input.Size()[0], input.Size()[1]
	imgRatio := float64(imgW) / float64(imgH)
	sizes := make([]config.Size, 0)
	sizes = append(sizes, config.Size{
		Width:  imgW,
		Height: imgH,
	})

	modelRatio := float64(c.ModelConfig.Config.Input[0].Dims[2]) / float64(c.ModelConfig.Config.Input[0].Dims[1])

	var newWidth, newHeight int64
	if imgRatio > modelRatio {
		newWidth = c.ModelConfig.Config.Input[0].Dims[2]
		newHeight = int64(float64(newWidth) / imgRatio)
	} else {
		newHeight = c.ModelConfig.Config.Input[0].Dims[1]
		newWidth = int64(float64(newHeight) * imgRatio)
	}

	resizedImg := gocv.NewMat()
	defer resizedImg.Close()
	gocv.Resize(input, &resizedImg, image.Point{X: int(newWidth), Y: int(newHeight)}, 0.0, 0.0, gocv.InterpolationLinear)

	scaledImg := gocv.NewMatWithSizesWithScalar(
		[]int{
			int(c.ModelConfig.Config.Input[0].Dims[1]),
			int(c.ModelConfig.Config.Input[0].Dims[2]),
		},
		gocv.MatTypeCV8UC3,
		gocv.NewScalar(0, 0, 0, 0),
	)
	defer scaledImg.Close()

	roi := scaledImg.Region(image.Rect(0, 0, int(newWidth), int(newHeight)))

	gocv.Resize(resizedImg, &roi, image.Point{X: roi.Size()[1], Y: roi.Size()[0]}, 0, 0, gocv.InterpolationLinear)
	imgTensors := tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(
			int(c.ModelConfig.Config.Input[0].Dims[0]),
			int(c.ModelConfig.Config.Input[0].Dims[1]),
			int(c.ModelConfig.Config.Input[0].Dims[2]),
		),
	)

	for z := range 3 {
		for y := range int(c.ModelConfig.Config.Input[0].Dims[1]) {
			for x := range int(c.ModelConfig.Config.Input[0].Dims[2]) {
				err := imgTensors.SetAt((float32(scaledImg.GetVecbAt(y, x)[z])-float32(c.ModelParams.Mean))*float32(c.ModelParams.Scale), z, y, x)
				if err != nil {
					return nil, nil, err
				}
			}
		}
	}
	err := imgTensors.T(2, 0, 1)
	if err != nil {
		return nil, nil, err
	}
	outputs = append(outputs, imgTensors)
	return outputs, sizes, nil
}

// postprocess rescales the normalized detections back to pixel space. Model
// outputs: detection count, boxes, scores, landmarks.
func (c *LandmarkClient) postprocess(rawOutputs []*tensor.Dense, sizes []config.Size) ([]FaceObservation, error) {

	results := make([]FaceObservation, 0)
	numDets, err := rawOutputs[0].Slice(tensor.S(0))
	if err != nil {
		return nil, err
	}
	boxes, err := rawOutputs[1].Slice(tensor.S(0))
	if err != nil {
		return nil, err
	}
	scores, err := rawOutputs[2].Slice(tensor.S(0))
	if err != nil {
		return nil, err
	}
	landmarks, err := rawOutputs[3].Slice(tensor.S(0))
	if err != nil {
		return nil, err
	}

	scale := sizes[0].Max()
	for i := range numDets.Size() {
		score, err := scores.Slice(tensor.S(i))
		if err != nil {
			return nil, err
		}
		box, err := boxes.Slice(tensor.S(i))
		if err != nil {
			return nil, err
		}
		scaledBox, err := box.Apply(func(x float32) float32 {
			return x * float32(scale)
		})
		if err != nil {
			return nil, err
		}

		landmark, err := landmarks.Slice(tensor.S(i))
		if err != nil {
			return nil, err
		}
		scaledLandmark, err := landmark.Apply(func(x float32) float32 {
			return x * float32(scale)
		})
		if err != nil {
			return nil, err
		}
		lmkTensor := scaledLandmark.(*tensor.Dense)
		err = lmkTensor.Reshape(landmarkCount, 2)
		if err != nil {
			return nil, err
		}

		results = append(results, FaceObservation{
			Box:       scaledBox.(*tensor.Dense),
			Score:     score.(*tensor.Dense).Float32s()[0],
			Landmarks: lmkTensor,
		})
	}
	return results, nil
}

/*
InferSingle detects faces and their landmark sets in one image.

Inputs:

  - rawInputTensors ([]gocv.Mat): input image.

Outputs:

  - observations ([]FaceObservation): every detected face. Empty when the
    image contains no face.
*/
func (c *LandmarkClient) InferSingle(rawInputTensors []gocv.Mat) ([]FaceObservation, error) {
	inputTensors, sizes, err := c.preprocess(rawInputTensors)
	if err != nil {
		return nil, err
	}

	outputs := make([]*tensor.Dense, 0)

	modelRequest := &triton_proto.ModelInferRequest{
		ModelName: c.ModelParams.ModelName,
	}

	modelInputs := make([]*triton_proto.ModelInferRequest_InferInputTensor, 0)
	for _, inputCfg := range c.ModelConfig.Config.Input {
		modelInput := &triton_proto.ModelInferRequest_InferInputTensor{
			Name:     inputCfg.Name,
			Datatype: inputCfg.DataType.String()[5:],
			Shape:    []int64{1, inputCfg.Dims[0], inputCfg.Dims[1], inputCfg.Dims[2]},
			Contents: &triton_proto.InferTensorContents{
				Fp32Contents: inputTensors[0].Float32s(),
			},
		}
		modelInputs = append(modelInputs, modelInput)
	}

	modelRequest.Inputs = modelInputs
	inferResp, err := c.tritonClient.ModelGRPCInfer(c.ModelParams.Timeout, modelRequest)
	if err != nil {
		return nil, err
	}

	for oIdx, output := range inferResp.GetOutputs() {
		outputShape := make([]int, 0, len(output.Shape))
		for _, shp := range output.Shape {
			outputShape = append(outputShape, int(shp))
		}
		var tensors *tensor.Dense
		switch output.Datatype {
		case "FP32":
			content := utils.BytesToT32[float32](inferResp.RawOutputContents[oIdx])
			tensors = tensor.New(
				tensor.Of(tensor.Float32),
				tensor.WithShape(outputShape...),
				tensor.WithBacking(content),
			)

		case "INT32":
			content := utils.BytesToT32[int32](inferResp.RawOutputContents[oIdx])
			tensors = tensor.New(
				tensor.Of(tensor.Int),
				tensor.WithShape(outputShape...),
				tensor.WithBacking(content),
			)

		}
		outputs = append(outputs, tensors)
	}
	return c.postprocess(outputs, sizes)
}

/*
DetectLandmarks returns only the (68, 2) landmark tensors of an image, the
shape the liveness state machine consumes.

Inputs:

  - img (gocv.Mat): input frame.

Outputs:

  - landmarks ([]*tensor.Dense): one tensor per detected face, possibly empty.
*/
func (c *LandmarkClient) DetectLandmarks(img gocv.Mat) ([]*tensor.Dense, error) {
	observations, err := c.InferSingle([]gocv.Mat{img})
	if err != nil {
		return nil, err
	}

	landmarks := make([]*tensor.Dense, 0, len(observations))
	for _, obs := range observations {
		landmarks = append(landmarks, obs.Landmarks)
	}
	return landmarks, nil
}

// GetLargestFace returns the observation with the largest bounding box area
// and its index. Box coordinates are clipped to the image bounds first.
func GetLargestFace(observations []FaceObservation, h, w int) (*FaceObservation, int, error) {
	if len(observations) == 0 {
		return nil, 0, ErrFaceNotFound
	}

	maxIdx := 0
	maxArea := float32(-1)
	for idx, obs := range observations {
		box := obs.Box.Float32s()
		left := clipCoord(box[0], float32(w))
		top := clipCoord(box[1], float32(h))
		right := clipCoord(box[2], float32(w))
		bottom := clipCoord(box[3], float32(h))
		area := (right - left) * (bottom - top)
		if area > maxArea {
			maxArea = area
			maxIdx = idx
		}
	}

	return &observations[maxIdx], maxIdx, nil
}

func clipCoord(v, max float32) float32 {
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}

/*
ExtractDocumentFace crops the portrait from an identity document image. The
largest detected face wins, its box is padded before cropping so the crop
keeps chin and hairline context for the embedding models.

Inputs:

  - img (gocv.Mat): rectified document image.
  - padRatio (*float32): box padding as a fraction of the face width,
    defaults to 0.25.

Outputs:

  - face (*gocv.Mat): padded portrait crop.
*/
func (c *LandmarkClient) ExtractDocumentFace(img gocv.Mat, padRatio *float32) (*gocv.Mat, error) {
	if padRatio == nil {
		padRatio = utils.RefPointer(float32(0.25))
	}

	observations, err := c.InferSingle([]gocv.Mat{img})
	if err != nil {
		return nil, err
	}
	if len(observations) == 0 {
		return nil, ErrFaceNotFound
	}

	dims := img.Size()
	h, w := dims[0], dims[1]

	largest, _, err := GetLargestFace(observations, h, w)
	if err != nil {
		return nil, err
	}

	box := largest.Box.Float32s()
	x1 := clipCoord(box[0], float32(w))
	y1 := clipCoord(box[1], float32(h))
	x2 := clipCoord(box[2], float32(w))
	y2 := clipCoord(box[3], float32(h))

	padding := utils.DerefPointer(padRatio) * (x2 - x1)
	x1 = clipCoord(x1-padding, float32(w))
	y1 = clipCoord(y1-padding, float32(h))
	x2 = clipCoord(x2+padding, float32(w))
	y2 = clipCoord(y2+padding, float32(h))

	if x2-x1 < 1 || y2-y1 < 1 {
		return nil, ErrFaceNotFound
	}

	roi := img.Region(image.Rect(int(x1), int(y1), int(x2), int(y2)))
	face := roi.Clone()
	roi.Close()

	return &face, nil
}
