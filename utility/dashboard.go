package utility

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"advtorch/attack"
	"advtorch/metrics"

	ui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"
)

// Dashboard is a terminal UI that follows a training run. It implements metrics.Observer.
type Dashboard struct {
	grid *ui.Grid

	lossPlot     *widgets.Plot
	accuracyPlot *widgets.Plot

	progressGauge *widgets.Gauge
	progressList  *widgets.List
	systemList    *widgets.List
	logParagraph  *widgets.Paragraph

	nsteps    int
	started   time.Time
	state     string
	lossD     []float64
	lossG     []float64
	accuracy  [4][]float64 // clean, fgs, pgd, g
	lastStep  metrics.StepSample
	lastSaved int

	renderMutex sync.Mutex
}

// DashboardParams are shown in the static hyperparameter panel.
type DashboardParams struct {
	NSteps       int
	BatchSize    int
	LearningRate float64
	Epsilon      float64
	Gamma        float64
}

// NewDashboard takes over the terminal. Close must be called to give it back.
func NewDashboard(p DashboardParams) (*Dashboard, error) {
	if err := ui.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize termui: %w", err)
	}

	d := &Dashboard{nsteps: p.NSteps, started: time.Now(), state: "initializing"}

	d.lossPlot = widgets.NewPlot()
	d.lossPlot.Title = "Loss (red: D, yellow: G)"
	d.lossPlot.Data = [][]float64{{0, 0}, {0, 0}}
	d.lossPlot.LineColors = []ui.Color{ui.ColorRed, ui.ColorYellow}

	d.accuracyPlot = widgets.NewPlot()
	d.accuracyPlot.Title = "Test Accuracy (green: clean, blue: fgs, magenta: pgd, cyan: g)"
	d.accuracyPlot.Data = [][]float64{{0, 0}, {0, 0}, {0, 0}, {0, 0}}
	d.accuracyPlot.LineColors = []ui.Color{ui.ColorGreen, ui.ColorBlue, ui.ColorMagenta, ui.ColorCyan}

	d.progressGauge = widgets.NewGauge()
	d.progressGauge.Title = "Progress"
	d.progressGauge.BarColor = ui.ColorBlue
	d.systemList = widgets.NewList()
	d.systemList.Title = "System & Timing"
	d.progressList = widgets.NewList()
	d.progressList.Title = "Training Status"
	hyperParamList := widgets.NewList()
	hyperParamList.Title = "Hyperparameters"
	hyperParamList.Rows = []string{
		fmt.Sprintf("Steps: %d", p.NSteps),
		fmt.Sprintf("Batch Size: %d", p.BatchSize),
		fmt.Sprintf("Learn Rate: %.4f", p.LearningRate),
		fmt.Sprintf("Epsilon: %.4f", p.Epsilon),
		fmt.Sprintf("Gamma: %.4f", p.Gamma),
	}
	d.logParagraph = widgets.NewParagraph()
	d.logParagraph.Title = "Event Log"

	d.grid = ui.NewGrid()
	termWidth, termHeight := ui.TerminalDimensions()
	d.grid.SetRect(0, 0, termWidth, termHeight)
	d.grid.Set(
		ui.NewRow(0.4, ui.NewCol(0.5, d.lossPlot), ui.NewCol(0.5, d.accuracyPlot)),
		ui.NewRow(0.3, ui.NewCol(0.34, d.progressList), ui.NewCol(0.33, d.systemList), ui.NewCol(0.33, hyperParamList)),
		ui.NewRow(0.3, ui.NewCol(1.0, ui.NewRow(0.4, d.progressGauge), ui.NewRow(0.6, d.logParagraph))),
	)
	return d, nil
}

// downsample averages data into at most width bins so a long history fits the plot.
func downsample(data []float64, width int) []float64 {
	if width <= 0 || len(data) <= width {
		return data
	}

	out := make([]float64, width)
	binSize := float64(len(data)) / float64(width)
	for i := 0; i < width; i++ {
		start := int(float64(i) * binSize)
		end := int(float64(i+1) * binSize)
		if end > len(data) {
			end = len(data)
		}
		bin := data[start:end]
		if len(bin) == 0 {
			if i > 0 {
				out[i] = out[i-1]
			}
			continue
		}
		var sum float64
		for _, v := range bin {
			sum += v
		}
		out[i] = sum / float64(len(bin))
	}
	return out
}

// plotSeries pads a series to the two points termui needs to draw a line.
func plotSeries(data []float64, width int) []float64 {
	if len(data) < 2 {
		return append([]float64{0, 0}[:2-len(data)], data...)
	}
	return downsample(data, width)
}

// render must be called with renderMutex held.
func (d *Dashboard) render() {
	s := d.lastStep
	d.progressList.Rows = []string{
		fmt.Sprintf("State: %s", d.state),
		fmt.Sprintf("Step: %d / %d", s.Iter+1, d.nsteps),
		fmt.Sprintf("Loss D: %.4f", s.LossD),
		fmt.Sprintf("Loss G (1/3/5): %.4f / %.4f / %.4f", s.LossG, s.GLoss3, s.GLoss5),
		fmt.Sprintf("Grad reg D/G: %.4g / %.4g", s.DReg, s.GReg),
		fmt.Sprintf("D optimizer: %s", s.Variant),
		fmt.Sprintf("Last checkpoint: %d", d.lastSaved),
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	total := time.Since(d.started).Round(time.Second)
	var eta time.Duration
	if done := s.Iter + 1; done > 0 && d.nsteps > done {
		eta = (s.Elapsed * time.Duration(d.nsteps-done)).Round(time.Second)
	}
	d.systemList.Rows = []string{
		fmt.Sprintf("Step Time: %v", s.Elapsed.Round(time.Millisecond)),
		fmt.Sprintf("Total Time: %v", total),
		fmt.Sprintf("ETA: %v", eta),
		"---",
		fmt.Sprintf("Heap Alloc: %d MiB", memStats.Alloc/1024/1024),
		fmt.Sprintf("Goroutines: %d", runtime.NumGoroutine()),
	}
	if d.nsteps > 0 {
		d.progressGauge.Percent = int(float64(s.Iter+1) / float64(d.nsteps) * 100)
	}

	d.lossPlot.Data[0] = plotSeries(d.lossD, d.lossPlot.Inner.Dx())
	d.lossPlot.Data[1] = plotSeries(d.lossG, d.lossPlot.Inner.Dx())
	for i := range d.accuracy {
		d.accuracyPlot.Data[i] = plotSeries(d.accuracy[i], d.accuracyPlot.Inner.Dx())
	}
	ui.Render(d.grid)
}

func (d *Dashboard) ObserveState(state string) {
	d.renderMutex.Lock()
	defer d.renderMutex.Unlock()
	d.state = state
}

func (d *Dashboard) ObserveStep(s metrics.StepSample) {
	d.renderMutex.Lock()
	defer d.renderMutex.Unlock()
	d.lastStep = s
	d.lossD = append(d.lossD, s.LossD)
	d.lossG = append(d.lossG, s.LossG)
	d.render()
}

func (d *Dashboard) ObserveEval(iter int, r attack.Report) {
	d.renderMutex.Lock()
	defer d.renderMutex.Unlock()
	for i, v := range []float64{r.Clean, r.FGS, r.PGD, r.G} {
		d.accuracy[i] = append(d.accuracy[i], v*100)
	}
	d.logParagraph.Text = fmt.Sprintf("[%d] acc %.3f  fgs %.3f  pgd %.3f  g %.3f", iter, r.Clean, r.FGS, r.PGD, r.G)
	d.render()
}

func (d *Dashboard) ObserveCheckpoint(step int) {
	d.renderMutex.Lock()
	defer d.renderMutex.Unlock()
	d.lastSaved = step
}

func (d *Dashboard) ObserveNonFinite(iter int) {
	d.Log(fmt.Sprintf("[%d] non-finite loss", iter))
}

// Log prints a message to the event log panel.
func (d *Dashboard) Log(message string) {
	d.renderMutex.Lock()
	defer d.renderMutex.Unlock()
	d.logParagraph.Text = message
	ui.Render(d.grid)
}

func (d *Dashboard) Close() { ui.Close() }

// Loop blocks until ctx is done or the user presses q or Ctrl-C, in which case it calls quit.
func (d *Dashboard) Loop(ctx context.Context, quit func()) {
	uiEvents := ui.PollEvents()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-uiEvents:
			if e.ID == "q" || e.ID == "<C-c>" {
				quit()
				return
			}
		}
	}
}
