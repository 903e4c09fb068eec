// Package visualization renders trajectories and substrate estimates as
// interactive HTML charts.
package visualization

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"gpfbm/internal/models"
)

// ErrNoSeries is returned when rendering a viewer with nothing added.
var ErrNoSeries = errors.New("no trajectories to plot")

type series struct {
	name string
	traj *models.Trajectory
}

// Viewer collects named trajectories and renders them on one page: the
// 2D path, and each coordinate against time.
type Viewer struct {
	title  string
	unit   string
	series []series
}

// NewViewer creates a viewer. unit labels the position axes.
func NewViewer(title, unit string) *Viewer {
	return &Viewer{title: title, unit: unit}
}

// Add appends a trajectory to every chart.
func (v *Viewer) Add(name string, traj *models.Trajectory) error {
	if traj.Empty() {
		return fmt.Errorf("%s: %w", name, models.ErrEmptyTrajectory)
	}
	v.series = append(v.series, series{name: name, traj: traj})
	return nil
}

// PathChart plots y against x.
func (v *Viewer) PathChart() *charts.Scatter {
	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: v.title, Width: "900px", Height: "900px"}),
		charts.WithTitleOpts(opts.Title{Title: v.title, Subtitle: fmt.Sprintf("trajectories=%d", len(v.series))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "value", Name: v.axis("x"), NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Type: "value", Name: v.axis("y"), NameLocation: "middle", NameGap: 30}),
	)
	for _, s := range v.series {
		data := make([]opts.ScatterData, 0, s.traj.Len())
		for r := 0; r < s.traj.Len(); r++ {
			data = append(data, opts.ScatterData{
				Value: []interface{}{s.traj.At(r, models.PosX), s.traj.At(r, models.PosY)},
			})
		}
		scatter.AddSeries(s.name, data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 4}))
	}
	return scatter
}

// TimeChart plots coordinate dim (0 for x, 1 for y) against time.
func (v *Viewer) TimeChart(dim int) (*charts.Line, error) {
	if dim != 0 && dim != 1 {
		return nil, fmt.Errorf("invalid dimension %d", dim)
	}
	name := []string{"x", "y"}[dim]

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "900px", Height: "400px"}),
		charts.WithTitleOpts(opts.Title{Title: name + " over time"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "value", Name: "time", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Type: "value", Name: v.axis(name), NameLocation: "middle", NameGap: 30}),
	)
	for _, s := range v.series {
		data := make([]opts.LineData, 0, s.traj.Len())
		for r := 0; r < s.traj.Len(); r++ {
			data = append(data, opts.LineData{
				Value: []interface{}{s.traj.At(r, models.Time), s.traj.At(r, models.PosX+dim)},
			})
		}
		line.AddSeries(s.name, data)
	}
	return line, nil
}

func (v *Viewer) axis(name string) string {
	if v.unit == "" {
		return name
	}
	return fmt.Sprintf("%s (%s)", name, v.unit)
}

// Render writes the page with all charts.
func (v *Viewer) Render(w io.Writer) error {
	if len(v.series) == 0 {
		return ErrNoSeries
	}

	page := components.NewPage()
	page.AddCharts(v.PathChart())
	for dim := 0; dim < 2; dim++ {
		line, err := v.TimeChart(dim)
		if err != nil {
			return err
		}
		page.AddCharts(line)
	}
	return page.Render(w)
}

// SaveHTML renders the page to filename, creating its directory.
func (v *Viewer) SaveHTML(filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}

	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return v.Render(file)
}

// Subtract returns obs with the substrate displacement at matching frames
// removed. Frames missing from sub are dropped.
func Subtract(obs, sub *models.Trajectory) (*models.Trajectory, error) {
	at := make(map[int]int, sub.Len())
	for r := 0; r < sub.Len(); r++ {
		at[sub.FrameAt(r)] = r
	}

	var rows []int
	for r := 0; r < obs.Len(); r++ {
		if _, ok := at[obs.FrameAt(r)]; ok {
			rows = append(rows, r)
		}
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("no shared frames: %w", models.ErrEmptyTrajectory)
	}

	out := obs.SelectRows(rows)
	for r := 0; r < out.Len(); r++ {
		s := at[out.FrameAt(r)]
		for dim := 0; dim < 2; dim++ {
			out.Set(r, models.PosX+dim, out.At(r, models.PosX+dim)-sub.At(s, models.PosX+dim))
		}
	}
	return out, nil
}
