package tensor

import (
	"fmt"
	"runtime"
	"sync"
)

// ConvOutputSize returns the spatial output size of a convolution or pooling window.
func ConvOutputSize(in, kernel, stride, padding int) int {
	return (in+2*padding-kernel)/stride + 1
}

// parallelFor splits [0, total) across the available cores.
func parallelFor(total int, body func(start, end int)) {
	numGoroutines := runtime.NumCPU()
	perGo := (total + numGoroutines - 1) / numGoroutines
	var wg sync.WaitGroup
	for i := 0; i < numGoroutines; i++ {
		start := i * perGo
		end := start + perGo
		if end > total {
			end = total
		}
		if start >= end {
			continue
		}
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			body(s, e)
		}(start, end)
	}
	wg.Wait()
}

// Im2Col converts NCHW image data into a column matrix of shape [C*kh*kw, B*outH*outW].
// i used core-parallelization over the batch dimension for performance.
// the result is autograd-aware: its backward scatters the gradient back with Col2Im.
func Im2Col(input *Tensor, kernelHeight, kernelWidth, stride, padding int) (*Tensor, error) {
	if len(input.GetShape()) != 4 {
		return nil, fmt.Errorf("im2col expects a 4D input tensor, but got %dD", len(input.GetShape()))
	}
	shape := input.GetShape()
	batchSize, channels, height, width := shape[0], shape[1], shape[2], shape[3]

	outHeight := ConvOutputSize(height, kernelHeight, stride, padding)
	outWidth := ConvOutputSize(width, kernelWidth, stride, padding)
	if outHeight <= 0 || outWidth <= 0 {
		return nil, fmt.Errorf("convolution produces invalid output size: %dx%d", outHeight, outWidth)
	}

	kernelSize := channels * kernelHeight * kernelWidth
	outputCols := outHeight * outWidth
	colMatrixShape := []int{kernelSize, batchSize * outputCols}
	colMatrixData := make([]float64, colMatrixShape[0]*colMatrixShape[1])

	inputData := input.GetData()
	parallelFor(batchSize, func(sB, eB int) {
		for b := sB; b < eB; b++ {
			for c := 0; c < channels; c++ {
				for kh := 0; kh < kernelHeight; kh++ {
					for kw := 0; kw < kernelWidth; kw++ {
						colRow := c*(kernelHeight*kernelWidth) + kh*kernelWidth + kw
						for oh := 0; oh < outHeight; oh++ {
							inputRow := kh - padding + oh*stride
							if inputRow < 0 || inputRow >= height {
								continue
							}
							for ow := 0; ow < outWidth; ow++ {
								inputCol := kw - padding + ow*stride
								if inputCol < 0 || inputCol >= width {
									continue
								}
								colCol := b*outputCols + oh*outWidth + ow
								srcIndex := b*(channels*height*width) + c*(height*width) + inputRow*width + inputCol
								colMatrixData[colRow*colMatrixShape[1]+colCol] = inputData[srcIndex]
							}
						}
					}
				}
			}
		}
	})

	colMatrix := wrap(colMatrixShape, colMatrixData)
	if input.RequiresGrad {
		colMatrix.RequiresGrad = true
		colMatrix.Parents = []*Tensor{input}
		colMatrix.Operation = "im2col"
		colMatrix.BackwardFunc = func(grad *Tensor) {
			img, err := Col2Im(grad, shape, kernelHeight, kernelWidth, stride, padding)
			if err != nil {
				panic(fmt.Sprintf("im2col backward: %v", err))
			}
			input.AccumulateGrad(img)
		}
	}
	return colMatrix, nil
}

// Col2Im converts a column matrix back into image-like data, summing overlapping windows.
// It is used in the backward pass of a convolution.
func Col2Im(cols *Tensor, inputShape []int, kernelHeight, kernelWidth, stride, padding int) (*Tensor, error) {
	if len(inputShape) != 4 {
		return nil, fmt.Errorf("col2im requires a 4D target inputShape, but got %dD", len(inputShape))
	}
	batchSize, channels, height, width := inputShape[0], inputShape[1], inputShape[2], inputShape[3]

	outHeight := ConvOutputSize(height, kernelHeight, stride, padding)
	outWidth := ConvOutputSize(width, kernelWidth, stride, padding)
	colsShape := cols.GetShape()
	if len(colsShape) != 2 || colsShape[0] != channels*kernelHeight*kernelWidth || colsShape[1] != batchSize*outHeight*outWidth {
		return nil, fmt.Errorf("col2im: column shape %v does not match input %v", colsShape, inputShape)
	}

	imgData := make([]float64, batchSize*channels*height*width)
	colsData := cols.GetData()

	// each goroutine owns distinct (batch, channel) planes so the += below never races
	parallelFor(batchSize*channels, func(start, end int) {
		for job := start; job < end; job++ {
			b := job / channels
			c := job % channels
			for kh := 0; kh < kernelHeight; kh++ {
				for kw := 0; kw < kernelWidth; kw++ {
					colRow := c*(kernelHeight*kernelWidth) + kh*kernelWidth + kw
					for oh := 0; oh < outHeight; oh++ {
						inputRow := kh - padding + oh*stride
						if inputRow < 0 || inputRow >= height {
							continue
						}
						for ow := 0; ow < outWidth; ow++ {
							inputCol := kw - padding + ow*stride
							if inputCol < 0 || inputCol >= width {
								continue
							}
							colCol := b*outHeight*outWidth + oh*outWidth + ow
							destIndex := b*(channels*height*width) + c*(height*width) + inputRow*width + inputCol
							imgData[destIndex] += colsData[colRow*colsShape[1]+colCol]
						}
					}
				}
			}
		}
	})

	return wrap(inputShape, imgData), nil
}
