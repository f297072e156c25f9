package nn

import (
	"fmt"
	"math"

	"advtorch/tensor"
)

// computes the mean softmax cross-entropy between logits [batch_size, num_classes] and one-hot targets
// given as class indices (0-indexed).
//
// the loss is computed as logsumexp(logits) - logits[target], which stays finite for any finite logits.
func CrossEntropyLoss(logits *tensor.Tensor, targets []int) (*tensor.Tensor, error) {
	shape := logits.GetShape()
	if len(shape) != 2 {
		return nil, fmt.Errorf("cross_entropy_loss: logits must be [batch, classes], got %v", shape)
	}
	batchSize, numClasses := shape[0], shape[1]
	if len(targets) != batchSize {
		return nil, fmt.Errorf("cross_entropy_loss: %d targets for batch of %d", len(targets), batchSize)
	}

	logitsData := logits.GetData()
	probsData := make([]float64, batchSize*numClasses)
	lossSum := 0.0

	for i := 0; i < batchSize; i++ {
		targetIndex := targets[i]
		if targetIndex < 0 || targetIndex >= numClasses {
			return nil, fmt.Errorf("cross_entropy_loss: target index %d out of bounds for batch item %d with %d classes", targetIndex, i, numClasses)
		}
		itemLogits := logitsData[i*numClasses : (i+1)*numClasses]
		softmaxRow(itemLogits, probsData[i*numClasses:(i+1)*numClasses])

		maxv := itemLogits[0]
		for _, v := range itemLogits {
			if v > maxv {
				maxv = v
			}
		}
		var sumExp float64
		for _, v := range itemLogits {
			sumExp += math.Exp(v - maxv)
		}
		lossSum += maxv + math.Log(sumExp) - itemLogits[targetIndex]
	}

	lossTensor, err := tensor.NewTensor([]int{1}, []float64{lossSum / float64(batchSize)})
	if err != nil {
		return nil, fmt.Errorf("cross_entropy_loss: failed to create output tensor for mean loss: %w", err)
	}

	if logits.RequiresGrad {
		lossTensor.RequiresGrad = true
		lossTensor.Parents = []*tensor.Tensor{logits}
		lossTensor.Operation = "cross_entropy_loss"

		// dL/dlogits = (softmax - onehot) / batch, scaled by the upstream scalar gradient
		lossTensor.BackwardFunc = func(grad *tensor.Tensor) {
			scale := grad.GetData()[0] / float64(batchSize)
			g := make([]float64, len(probsData))
			for item := 0; item < batchSize; item++ {
				for j := 0; j < numClasses; j++ {
					v := probsData[item*numClasses+j]
					if j == targets[item] {
						v -= 1.0
					}
					g[item*numClasses+j] = v * scale
				}
			}
			gradTensorForLogits, err := tensor.NewTensor(shape, g)
			if err != nil {
				panic(fmt.Sprintf("cross_entropy_loss backward: %v", err))
			}
			logits.AccumulateGrad(gradTensorForLogits)
		}
	}

	return lossTensor, nil
}
