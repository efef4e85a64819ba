package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/satindergrewal/airwaves/internal/api"
	"github.com/satindergrewal/airwaves/internal/library"
)

var (
	accent      = lipgloss.Color("#00ff9f")
	dim         = lipgloss.Color("#6e7681")
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(accent)
	labelStyle  = lipgloss.NewStyle().Foreground(dim).Width(16)
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(accent).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	warnStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#ff5f5f"))
)

func newTracksCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "tracks",
		Short: "List the music library",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			lib := library.New(library.Options{Dir: cfg.Library.Dir}, logger)
			if err := lib.Refresh(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTracks(lib.Dir(), lib.ListTracks()))
			return nil
		},
	}
}

func renderTracks(dir string, tracks []library.Track) string {
	if len(tracks) == 0 {
		return warnStyle.Render("no tracks in " + dir)
	}
	rows := make([][]string, 0, len(tracks))
	var total int64
	for i, t := range tracks {
		rel, err := filepath.Rel(dir, t.Path)
		if err != nil {
			rel = t.Path
		}
		total += t.Size
		rows = append(rows, []string{strconv.Itoa(i + 1), rel, humanSize(t.Size), t.ModTime.Format(time.DateOnly)})
	}
	tbl := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(dim)).
		Headers("#", "FILE", "SIZE", "MODIFIED").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	return fmt.Sprintf("%s\n%s\n%d tracks, %s",
		titleStyle.Render(dir), tbl.Render(), len(tracks), humanSize(total))
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func newStatusCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running station",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			st, err := fetchStatus(ctx, addr)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderStatus(st))
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "station base URL")
	return cmd
}

func fetchStatus(ctx context.Context, addr string) (api.Status, error) {
	var st api.Status
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(addr, "/")+"/api/status", nil)
	if err != nil {
		return st, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return st, fmt.Errorf("fetch status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return st, fmt.Errorf("fetch status: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return st, fmt.Errorf("decode status: %w", err)
	}
	return st, nil
}

func renderStatus(st api.Status) string {
	var b strings.Builder
	line := func(label, value string) {
		b.WriteString(labelStyle.Render(label) + value + "\n")
	}
	when := func(t *time.Time) string {
		if t == nil {
			return "never"
		}
		return t.Local().Format(time.DateTime)
	}

	b.WriteString(titleStyle.Render(st.Station) + "\n")
	line("phase", string(st.Phase))
	line("uptime", (time.Duration(st.UptimeSeconds) * time.Second).String())
	line("last bulletin", when(st.LastSuccess))
	line("next bulletin", when(st.NextFire))
	line("bulletins", fmt.Sprintf("%d ok, %d failed, %d skipped", st.Produced, st.Failed, st.Skipped))
	if st.LastError != "" {
		line("last error", warnStyle.Render(st.LastError))
	}
	line("queue", fmt.Sprintf("%d segments, %.0fs buffered, %d dropped",
		st.Queue.Depth, st.Queue.SecondsBuffered, st.Queue.Dropped))
	np := st.Sink.NowPlaying
	playing := np.Kind
	if np.Title != "" {
		playing += ": " + np.Title
	}
	if np.Filler {
		playing += " (filler)"
	}
	line("on air", playing)
	if st.Sink.Enabled {
		up := "connected"
		switch {
		case st.Sink.Degraded:
			up = warnStyle.Render("degraded")
		case !st.Sink.Connected:
			up = "connecting"
		}
		line("icecast", fmt.Sprintf("%s, %d reconnects", up, st.Sink.Reconnects))
	}
	line("library", fmt.Sprintf("%d tracks", st.Library.Tracks))
	line("listeners", fmt.Sprintf("%d http, %d webrtc", st.Listeners.HTTP, st.Listeners.WebRTC))
	return strings.TrimRight(b.String(), "\n")
}
