// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// Export kinds accepted by the CSV endpoint.
const (
	ExportKindBox   = "box"
	ExportKindPlays = "plays"
	ExportKindShots = "shots"
)

var (
	// ErrUnknownExportKind is returned for an unrecognized kind parameter.
	ErrUnknownExportKind = errors.New("unknown export kind")

	// ErrNoBrowser is returned when PDF rendering is requested but no
	// headless Chrome is reachable.
	ErrNoBrowser = errors.New("no headless browser available")
)

// exportFileName builds a filesystem-safe base name for a download.
func exportFileName(g *Game, kind string) string {
	name := fmt.Sprintf("%s-at-%s-%s", g.Away, g.Home, kind)
	if g.Date != "" {
		// Keep just the date part of an RFC3339 timestamp.
		d := g.Date
		if i := strings.IndexByte(d, 'T'); i > 0 {
			d = d[:i]
		}
		name = d + "-" + name
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteByte('_')
		}
	}
	return b.String()
}

// WriteGameCSV writes one of the CSV export flavors for a game.
func WriteGameCSV(w io.Writer, g *Game, kind string) error {
	cw := csv.NewWriter(w)
	var err error
	switch kind {
	case ExportKindBox:
		err = writeBoxCSV(cw, g)
	case ExportKindPlays:
		err = writePlaysCSV(cw, g)
	case ExportKindShots:
		err = writeShotsCSV(cw, g)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownExportKind, kind)
	}
	if err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

var boxCSVHeader = []string{
	"team", "player", "number",
	"pts", "fgm", "fga", "3pm", "3pa", "ftm", "fta",
	"oreb", "dreb", "reb", "ast", "stl", "blk", "tov", "pf",
}

func writeBoxCSV(cw *csv.Writer, g *Game) error {
	if err := cw.Write(boxCSVHeader); err != nil {
		return err
	}
	box := ComputeBoxScore(g)
	for _, side := range []TeamBoxScore{box.Away, box.Home} {
		lines := append([]PlayerStat{}, side.Players...)
		lines = append(lines, side.Totals)
		for _, l := range lines {
			name := l.Name
			if name == "" {
				name = l.PlayerID
			}
			rec := []string{
				side.Name, name, l.Number,
				strconv.Itoa(l.PTS),
				strconv.Itoa(l.FGM), strconv.Itoa(l.FGA),
				strconv.Itoa(l.TPM), strconv.Itoa(l.TPA),
				strconv.Itoa(l.FTM), strconv.Itoa(l.FTA),
				strconv.Itoa(l.OREB), strconv.Itoa(l.DREB), strconv.Itoa(l.REB),
				strconv.Itoa(l.AST), strconv.Itoa(l.STL), strconv.Itoa(l.BLK),
				strconv.Itoa(l.TOV), strconv.Itoa(l.PF),
			}
			if err := cw.Write(rec); err != nil {
				return err
			}
		}
	}
	return nil
}

func writePlaysCSV(cw *csv.Writer, g *Game) error {
	if err := cw.Write([]string{"seq", "period", "timestamp", "type", "team", "player", "detail"}); err != nil {
		return err
	}
	voided := voidedActionIDs(g.ActionLog)
	period := 1
	seq := 0
	for _, raw := range g.ActionLog {
		var a BaseAction
		if err := json.Unmarshal(raw, &a); err != nil {
			continue
		}
		if a.Type == ActionUndo || voided[a.ID] {
			continue
		}
		if a.Type == ActionPeriodAdvance {
			period++
		}
		seq++
		team, player, detail := describeAction(&a)
		rec := []string{
			strconv.Itoa(seq),
			strconv.Itoa(period),
			strconv.FormatInt(a.Timestamp, 10),
			a.Type, team, player, detail,
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	return nil
}

// describeAction extracts the team, player and a short human-readable
// detail from an action payload for the play-by-play export.
func describeAction(a *BaseAction) (team, player, detail string) {
	switch a.Type {
	case ActionShot:
		var p ShotPayload
		if json.Unmarshal(a.Payload, &p) != nil {
			return
		}
		result := "missed"
		if p.Made {
			result = "made"
		}
		return p.Team, p.PlayerID, fmt.Sprintf("%d-pt %s (%.1f, %.1f) %s", p.Points, result, p.X, p.Y, ZoneFor(p.X, p.Y))
	case ActionFreeThrow:
		var p FreeThrowPayload
		if json.Unmarshal(a.Payload, &p) != nil {
			return
		}
		result := "missed"
		if p.Made {
			result = "made"
		}
		return p.Team, p.PlayerID, "free throw " + result
	case ActionRebound:
		var p ReboundPayload
		if json.Unmarshal(a.Payload, &p) != nil {
			return
		}
		return p.Team, p.PlayerID, p.Kind + " rebound"
	case ActionAssist, ActionSteal, ActionBlock:
		var p StatPayload
		if json.Unmarshal(a.Payload, &p) != nil {
			return
		}
		return p.Team, p.PlayerID, strings.ToLower(a.Type)
	case ActionTurnover:
		var p TurnoverPayload
		if json.Unmarshal(a.Payload, &p) != nil {
			return
		}
		return p.Team, p.PlayerID, "turnover"
	case ActionFoul:
		var p FoulPayload
		if json.Unmarshal(a.Payload, &p) != nil {
			return
		}
		return p.Team, p.PlayerID, p.Kind + " foul"
	case ActionSubstitution:
		var p SubstitutionPayload
		if json.Unmarshal(a.Payload, &p) != nil {
			return
		}
		return p.Team, p.PlayerInID, "in for " + p.PlayerOutID
	case ActionTimeout:
		var p TimeoutPayload
		if json.Unmarshal(a.Payload, &p) != nil {
			return
		}
		return p.Team, "", "timeout"
	case ActionScoreOverride:
		var p ScoreOverridePayload
		if json.Unmarshal(a.Payload, &p) != nil {
			return
		}
		return p.Team, "", fmt.Sprintf("score set to %d", p.Score)
	case ActionGameStart:
		return "", "", "game start"
	case ActionGameFinalize:
		return "", "", "final"
	case ActionPeriodAdvance:
		return "", "", "period advance"
	}
	return "", "", ""
}

func writeShotsCSV(cw *csv.Writer, g *Game) error {
	if err := cw.Write([]string{"team", "player", "period", "x", "y", "points", "made", "zone"}); err != nil {
		return err
	}
	for _, s := range CollectShots(g, "", "") {
		rec := []string{
			s.Team, s.PlayerID,
			strconv.Itoa(s.Period),
			strconv.FormatFloat(s.X, 'f', 1, 64),
			strconv.FormatFloat(s.Y, 'f', 1, 64),
			strconv.Itoa(s.Points),
			strconv.FormatBool(s.Made),
			s.Zone,
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	return nil
}

// reportData is the template input for the PDF report.
type reportData struct {
	Title    string
	Date     string
	Location string
	Event    string
	Box      *BoxScore
	Chart    []reportZone
	ShotsSVG template.HTML
}

// reportZone is a ZoneStat with the percentage preformatted for print.
type reportZone struct {
	ZoneStat
	PctDisplay string
}

var reportTemplate = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<style>
  body { font-family: Helvetica, Arial, sans-serif; margin: 24px; color: #111; }
  h1 { font-size: 20px; margin-bottom: 2px; }
  .sub { color: #666; font-size: 12px; margin-bottom: 16px; }
  .score { font-size: 28px; font-weight: bold; margin: 12px 0; }
  table { border-collapse: collapse; width: 100%; font-size: 11px; margin-bottom: 18px; }
  th, td { border: 1px solid #ccc; padding: 3px 6px; text-align: right; }
  th:first-child, td:first-child { text-align: left; }
  th { background: #f0f0f0; }
  tr.totals td { font-weight: bold; background: #fafafa; }
  .chart { page-break-inside: avoid; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
<div class="sub">{{.Date}}{{if .Location}} &middot; {{.Location}}{{end}}{{if .Event}} &middot; {{.Event}}{{end}}</div>
<div class="score">{{.Box.Away.Name}} {{.Box.Away.Score}} &ndash; {{.Box.Home.Score}} {{.Box.Home.Name}}</div>
{{range .Sides}}
<h2>{{.Name}}</h2>
<table>
<tr><th>Player</th><th>#</th><th>PTS</th><th>FG</th><th>3PT</th><th>FT</th><th>REB</th><th>AST</th><th>STL</th><th>BLK</th><th>TOV</th><th>PF</th></tr>
{{range .Players}}
<tr><td>{{if .Name}}{{.Name}}{{else}}{{.PlayerID}}{{end}}</td><td>{{.Number}}</td><td>{{.PTS}}</td><td>{{.FGM}}-{{.FGA}}</td><td>{{.TPM}}-{{.TPA}}</td><td>{{.FTM}}-{{.FTA}}</td><td>{{.REB}}</td><td>{{.AST}}</td><td>{{.STL}}</td><td>{{.BLK}}</td><td>{{.TOV}}</td><td>{{.PF}}</td></tr>
{{end}}
<tr class="totals"><td>Totals</td><td></td><td>{{.Totals.PTS}}</td><td>{{.Totals.FGM}}-{{.Totals.FGA}}</td><td>{{.Totals.TPM}}-{{.Totals.TPA}}</td><td>{{.Totals.FTM}}-{{.Totals.FTA}}</td><td>{{.Totals.REB}}</td><td>{{.Totals.AST}}</td><td>{{.Totals.STL}}</td><td>{{.Totals.BLK}}</td><td>{{.Totals.TOV}}</td><td>{{.Totals.PF}}</td></tr>
</table>
{{end}}
<div class="chart">
<h2>Shot Chart</h2>
{{.ShotsSVG}}
<table>
<tr><th>Zone</th><th>Made</th><th>Attempts</th><th>Pct</th></tr>
{{range .Chart}}
<tr><td>{{.Zone}}</td><td>{{.Made}}</td><td>{{.Attempts}}</td><td>{{.PctDisplay}}</td></tr>
{{end}}
</table>
</div>
</body>
</html>`))

// buildReportHTML renders the printable report document.
func buildReportHTML(g *Game) (string, error) {
	box := ComputeBoxScore(g)
	chart := make([]reportZone, 0, len(ShotZones))
	for _, zs := range BuildShotChart(g, "", "") {
		chart = append(chart, reportZone{
			ZoneStat:   zs,
			PctDisplay: fmt.Sprintf("%.1f%%", zs.Pct*100),
		})
	}
	data := struct {
		reportData
		Sides []TeamBoxScore
	}{
		reportData: reportData{
			Title:    fmt.Sprintf("%s at %s", g.Away, g.Home),
			Date:     g.Date,
			Location: g.Location,
			Event:    g.Event,
			Box:      box,
			Chart:    chart,
			ShotsSVG: template.HTML(shotChartSVG(CollectShots(g, "", ""))),
		},
		Sides: []TeamBoxScore{box.Away, box.Home},
	}
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("report template: %w", err)
	}
	return buf.String(), nil
}

// shotChartSVG draws the half court with one marker per attempt.
// Makes are filled circles, misses are crosses.
func shotChartSVG(shots []ShotEvent) string {
	// 10 px per foot, origin shifted so x=-25 maps to 0.
	const scale = 10.0
	px := func(x float64) float64 { return (x + courtHalfWidth) * scale }
	py := func(y float64) float64 { return y * scale }

	var b strings.Builder
	fmt.Fprintf(&b, `<svg xmlns="http://www.w3.org/2000/svg" width="500" height="470" viewBox="0 0 500 470">`)
	b.WriteString(`<rect x="0" y="0" width="500" height="470" fill="#fdf6e3" stroke="#333"/>`)
	// Paint, hoop and arc.
	fmt.Fprintf(&b, `<rect x="%.0f" y="0" width="%.0f" height="%.0f" fill="none" stroke="#333"/>`,
		px(-paintHalfWidth), 2*paintHalfWidth*scale, paintDepth*scale)
	fmt.Fprintf(&b, `<circle cx="%.0f" cy="%.1f" r="7" fill="none" stroke="#c00"/>`, px(0), py(hoopY))
	fmt.Fprintf(&b, `<path d="M %.0f 0 L %.0f %.0f A %.0f %.0f 0 0 0 %.0f %.0f L %.0f 0" fill="none" stroke="#333"/>`,
		px(-cornerLineX), px(-cornerLineX), py(cornerBreakY),
		threePointArc*scale, threePointArc*scale,
		px(cornerLineX), py(cornerBreakY), px(cornerLineX))
	for _, s := range shots {
		x, y := px(s.X), py(s.Y)
		if s.Made {
			fmt.Fprintf(&b, `<circle cx="%.1f" cy="%.1f" r="5" fill="#2a2" fill-opacity="0.8"/>`, x, y)
		} else {
			fmt.Fprintf(&b, `<path d="M %.1f %.1f l 8 8 m 0 -8 l -8 8" stroke="#c33" stroke-width="2"/>`, x-4, y-4)
		}
	}
	b.WriteString(`</svg>`)
	return b.String()
}

// chromeExecutables are the binaries tried when no remote Chrome is
// configured, in the same order chromedp itself probes.
var chromeExecutables = []string{
	"google-chrome",
	"google-chrome-stable",
	"chromium",
	"chromium-browser",
	"headless-shell",
	"headless_shell",
}

func findChrome() string {
	for _, name := range chromeExecutables {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}
	return ""
}

// RenderGamePDF renders the game report through headless Chrome. A
// remote debugging endpoint can be supplied via CK_CHROME_URL;
// otherwise a local browser is launched. Returns ErrNoBrowser when
// neither is available.
func RenderGamePDF(ctx context.Context, g *Game) ([]byte, error) {
	html, err := buildReportHTML(g)
	if err != nil {
		return nil, err
	}

	var allocCtx context.Context
	var cancel context.CancelFunc
	if remote := os.Getenv("CK_CHROME_URL"); remote != "" {
		allocCtx, cancel = chromedp.NewRemoteAllocator(ctx, remote)
	} else {
		execPath := findChrome()
		if execPath == "" {
			return nil, ErrNoBrowser
		}
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.ExecPath(execPath),
			chromedp.NoSandbox,
		)
		allocCtx, cancel = chromedp.NewExecAllocator(ctx, opts...)
	}
	defer cancel()

	tabCtx, cancelTab := chromedp.NewContext(allocCtx)
	defer cancelTab()

	dataURL := "data:text/html;base64," + base64.StdEncoding.EncodeToString([]byte(html))

	var pdf []byte
	err = chromedp.Run(tabCtx,
		chromedp.Navigate(dataURL),
		chromedp.ActionFunc(func(ctx context.Context) error {
			buf, _, err := page.PrintToPDF().
				WithPrintBackground(true).
				WithPaperWidth(8.27).   // A4
				WithPaperHeight(11.69). // A4
				Do(ctx)
			if err != nil {
				return err
			}
			pdf = buf
			return nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("chromedp render: %w", err)
	}
	return pdf, nil
}
