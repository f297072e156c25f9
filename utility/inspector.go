package utility

import (
	"fmt"
	"io"
	"text/tabwriter"

	"advtorch/nn"
	"advtorch/tensor"
)

// ModelInspector prints layer and parameter summaries of a network.
type ModelInspector struct {
	title  string
	layers []nn.Layer
	params *nn.ParamSet
}

// NewModelInspector inspects a network given as its layers and its parameter set.
func NewModelInspector(title string, layers []nn.Layer, params *nn.ParamSet) *ModelInspector {
	return &ModelInspector{title: title, layers: layers, params: params}
}

// Summary writes one row per parameter, grouped by layer, followed by the totals.
func (mi *ModelInspector) Summary(out io.Writer) error {
	fmt.Fprintf(out, "\n--- %s Summary ---\n", mi.title)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "Layer (Type)\tParameter\tShape\tDecay\tParam #")
	fmt.Fprintln(w, "--------------\t---------\t-----\t-----\t-------")

	for _, layer := range mi.layers {
		params := layer.Parameters()
		if len(params) == 0 {
			fmt.Fprintf(w, "%s\t-\t-\t-\t0\n", layer.Name())
			continue
		}
		for i, p := range params {
			name := layer.Name()
			if i > 0 {
				name = ""
			}
			fmt.Fprintf(w, "%s\t%s\t%v\t%t\t%d\n", name, p.Name, p.Value.GetShape(), p.Decay, tensor.Numel(p.Value))
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	total, trainable := mi.CountParameters()
	fmt.Fprintln(out, "----------------------------------")
	fmt.Fprintf(out, "Parameter Set: %s (version %d)\n", mi.params.Name(), mi.params.Version())
	fmt.Fprintf(out, "Total Parameters: %d\n", total)
	fmt.Fprintf(out, "Trainable Parameters: %d\n", trainable)
	_, err := fmt.Fprintln(out, "----------------------------------")
	return err
}

// CountParameters counts scalars in the parameter set; trainable ones are those not frozen.
func (mi *ModelInspector) CountParameters() (total int64, trainable int64) {
	for _, p := range mi.params.Params() {
		numel := int64(tensor.Numel(p.Value))
		total += numel
		if p.Value.RequiresGrad {
			trainable += numel
		}
	}
	return total, trainable
}
