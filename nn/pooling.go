package nn

import (
	"fmt"
	"math"
	"runtime"
	"sync"

	"advtorch/tensor"
)

// MaxPooling2D implements a 2D max pooling layer over NCHW input.
type MaxPooling2D struct {
	KernelSize int
	Stride     int
}

// returns a new MaxPooling layer
func NewMaxPooling2D(kernelSize, stride int) *MaxPooling2D {
	return &MaxPooling2D{KernelSize: kernelSize, Stride: stride}
}

func (p *MaxPooling2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	inputShape := input.GetShape()
	if len(inputShape) != 4 {
		return nil, fmt.Errorf("maxpool expects a 4D input, got %dD", len(inputShape))
	}
	b, c, h, w := inputShape[0], inputShape[1], inputShape[2], inputShape[3]

	outH := tensor.ConvOutputSize(h, p.KernelSize, p.Stride, 0)
	outW := tensor.ConvOutputSize(w, p.KernelSize, p.Stride, 0)
	if outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("maxpool window %d/%d does not fit input %dx%d", p.KernelSize, p.Stride, h, w)
	}
	outShape := []int{b, c, outH, outW}
	outData := make([]float64, b*c*outH*outW)
	maxIndices := make([]int, len(outData))
	inputData := input.GetData()

	numGoroutines := runtime.NumCPU()
	var wg sync.WaitGroup

	totalJobs := b * c
	jobsPerGo := (totalJobs + numGoroutines - 1) / numGoroutines

	for i := 0; i < numGoroutines; i++ {
		startJob := i * jobsPerGo
		endJob := (i + 1) * jobsPerGo
		if endJob > totalJobs {
			endJob = totalJobs
		}
		if startJob >= endJob {
			continue
		}

		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			for job := s; job < e; job++ {
				i := job / c
				j := job % c
				for k := 0; k < outH; k++ {
					for l := 0; l < outW; l++ {
						maxVal := -math.MaxFloat64
						maxIndex := -1
						hStart, wStart := k*p.Stride, l*p.Stride
						for y := 0; y < p.KernelSize; y++ {
							for x := 0; x < p.KernelSize; x++ {
								srcIndex := i*(c*h*w) + j*(h*w) + (hStart+y)*w + wStart + x
								if maxIndex < 0 || inputData[srcIndex] > maxVal {
									maxVal = inputData[srcIndex]
									maxIndex = srcIndex
								}
							}
						}
						destIndex := i*(c*outH*outW) + j*(outH*outW) + k*outW + l
						outData[destIndex] = maxVal
						maxIndices[destIndex] = maxIndex
					}
				}
			}
		}(startJob, endJob)
	}
	wg.Wait()

	output, err := tensor.NewTensor(outShape, outData)
	if err != nil {
		return nil, err
	}

	if input.RequiresGrad {
		output.RequiresGrad = true
		output.Parents = []*tensor.Tensor{input}
		output.Operation = "maxpool"
		// the gradient is routed to the arg-max of every window
		output.BackwardFunc = func(grad *tensor.Tensor) {
			gradInputData := make([]float64, tensor.Numel(input))
			for i, g := range grad.GetData() {
				gradInputData[maxIndices[i]] += g
			}
			gradForInput, err := tensor.NewTensor(inputShape, gradInputData)
			if err != nil {
				panic(fmt.Sprintf("maxpool backward: %v", err))
			}
			input.AccumulateGrad(gradForInput)
		}
	}
	return output, nil
}

// we don't need to zero out any grad, since MaxPooling doesn't need any learnable parameters
func (p *MaxPooling2D) Parameters() []*Parameter { return nil }
func (p *MaxPooling2D) ZeroGrad()                {}
func (p *MaxPooling2D) Name() string             { return fmt.Sprintf("MaxPool(%d,%d)", p.KernelSize, p.Stride) }
