package trainer

import (
	"fmt"

	"advtorch/autograd"
	"advtorch/models"
	"advtorch/nn"
	"advtorch/tensor"
)

// NoisePass is the outcome of scoring the discriminator on generator-perturbed inputs.
type NoisePass struct {
	// Loss is the discriminator's cross-entropy on x + epsilon*G(x).
	Loss float64
	// G is the gradient of -Loss + g_decay with respect to the generator.
	G nn.GradVector
	// DNoise is the gradient of Loss with respect to the discriminator; nil when it was not requested.
	DNoise nn.GradVector
}

func perturb(g models.Network, x *tensor.Tensor, epsilon float64) (*tensor.Tensor, error) {
	noise, err := g.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("generator forward: %w", err)
	}
	return tensor.AddTensor(x, tensor.ScaleTensor(noise, epsilon))
}

func crossEntropy(d models.Network, x *tensor.Tensor, labels []int) (*tensor.Tensor, error) {
	logits, err := d.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("discriminator forward: %w", err)
	}
	return nn.CrossEntropyLoss(logits, labels)
}

func addDecay(loss *tensor.Tensor, set *nn.ParamSet, wd float64) (*tensor.Tensor, error) {
	decay, err := set.WeightDecay(wd)
	if err != nil || decay == nil {
		return loss, err
	}
	return tensor.AddTensor(loss, decay)
}

// noisePass runs G then D once and takes every requested gradient from a single backward pass.
// With withD false the discriminator is frozen and only the generator gradient is produced.
func noisePass(g, d models.Network, x *tensor.Tensor, labels []int, epsilon, wd float64, withD bool) (NoisePass, error) {
	if !withD {
		restore := d.Params().Freeze()
		defer restore()
	}
	pert, err := perturb(g, x, epsilon)
	if err != nil {
		return NoisePass{}, err
	}
	ce, err := crossEntropy(d, pert, labels)
	if err != nil {
		return NoisePass{}, err
	}
	root, err := addDecay(tensor.ScaleTensor(ce, -1), g.Params(), wd)
	if err != nil {
		return NoisePass{}, err
	}

	wrt := g.Params().Tensors()
	if withD {
		wrt = append(wrt, d.Params().Tensors()...)
	}
	grads, err := autograd.Grad(root, wrt)
	if err != nil {
		return NoisePass{}, fmt.Errorf("noise pass backward: %w", err)
	}

	nG := g.Params().Len()
	out := NoisePass{Loss: ce.GetData()[0], G: nn.GradVector(grads[:nG])}
	if withD {
		// the root is -Loss on the discriminator side
		out.DNoise = nn.GradVector(grads[nG:]).Neg()
	}
	return out, nil
}

// realPass returns the discriminator's clean loss and the gradient of loss + d_decay.
func realPass(d models.Network, x *tensor.Tensor, labels []int, wd float64) (float64, nn.GradVector, error) {
	ce, err := crossEntropy(d, x, labels)
	if err != nil {
		return 0, nil, err
	}
	root, err := addDecay(ce, d.Params(), wd)
	if err != nil {
		return 0, nil, err
	}
	grads, err := autograd.Grad(root, d.Params().Tensors())
	if err != nil {
		return 0, nil, fmt.Errorf("real pass backward: %w", err)
	}
	return ce.GetData()[0], grads, nil
}

// detachedNoisePass scores D on x + epsilon*G(x) with the perturbed input treated as data,
// returning the loss and its gradient with respect to D only.
func detachedNoisePass(g, d models.Network, x *tensor.Tensor, labels []int, epsilon float64) (float64, nn.GradVector, error) {
	restore := g.Params().Freeze()
	pert, err := perturb(g, x, epsilon)
	restore()
	if err != nil {
		return 0, nil, err
	}
	ce, err := crossEntropy(d, tensor.Detach(pert), labels)
	if err != nil {
		return 0, nil, err
	}
	grads, err := autograd.Grad(ce, d.Params().Tensors())
	if err != nil {
		return 0, nil, fmt.Errorf("detached noise pass backward: %w", err)
	}
	return ce.GetData()[0], grads, nil
}
