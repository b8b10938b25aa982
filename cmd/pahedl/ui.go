package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/velorien/pahedl/internal/models"
)

type (
	tickMsg      time.Time
	statusMsg    models.StatusUpdate
	progressMsg  models.ProgressEvent
	batchDoneMsg struct{}
)

// batchModel renders one progress bar for the episode currently downloading
// plus a log of finished episodes. The runner feeds it through program.Send;
// Ctrl-C requests cooperative cancellation instead of quitting outright.
type batchModel struct {
	progress progress.Model
	cancel   func()

	mu       sync.Mutex
	title    string
	episode  int
	done     int64
	total    int64
	rate     float64
	status   string
	log      []string
	finished bool
}

func newBatchModel(title string, cancel func()) *batchModel {
	return &batchModel{
		progress: progress.New(progress.WithDefaultGradient()),
		cancel:   cancel,
		title:    title,
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m *batchModel) Init() tea.Cmd {
	return tickCmd()
}

func (m *batchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			m.cancel()
			return m, nil
		}
	case tickMsg:
		m.mu.Lock()
		finished := m.finished
		var cmd tea.Cmd
		if m.total > 0 {
			cmd = m.progress.SetPercent(float64(m.done) / float64(m.total))
		}
		m.mu.Unlock()
		if finished {
			return m, tea.Quit
		}
		return m, tea.Batch(cmd, tickCmd())
	case statusMsg:
		m.mu.Lock()
		m.episode = msg.Episode
		m.status = msg.Status
		switch msg.Status {
		case models.StatusDownloading:
			m.done, m.total, m.rate = 0, 0, 0
		case models.StatusDone:
			m.log = append(m.log, fmt.Sprintf("episode %d: done (%s)", msg.Episode, msg.Path))
		case models.StatusCancelled, models.StatusNoMatchingSource:
			m.log = append(m.log, fmt.Sprintf("episode %d: %s", msg.Episode, msg.Status))
		default:
			if len(msg.Status) > len(models.StatusFailed) && msg.Status[:len(models.StatusFailed)] == models.StatusFailed {
				m.log = append(m.log, fmt.Sprintf("episode %d: %s", msg.Episode, msg.Status))
			}
		}
		m.mu.Unlock()
		return m, nil
	case progressMsg:
		m.mu.Lock()
		m.episode = msg.Episode
		m.done = msg.Done
		m.total = msg.Total
		m.rate = msg.Throughput
		m.mu.Unlock()
		return m, nil
	case batchDoneMsg:
		m.mu.Lock()
		m.finished = true
		m.mu.Unlock()
		return m, nil
	case progress.FrameMsg:
		newModel, cmd := m.progress.Update(msg)
		m.progress = newModel.(progress.Model)
		return m, cmd
	}
	return m, nil
}

func (m *batchModel) View() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := m.title + "\n"
	for _, line := range m.log {
		out += line + "\n"
	}
	if m.status != "" {
		out += fmt.Sprintf("\nepisode %d: %s\n", m.episode, m.status)
	}
	if m.status == models.StatusDownloading && m.total > 0 {
		out += m.progress.View() + "\n"
		if m.rate > 0 {
			out += fmt.Sprintf("%.0f/%d (%.1f/s)\n", float64(m.done), m.total, m.rate)
		}
	}
	out += "\nPress Ctrl+C to cancel\n"
	return out
}
