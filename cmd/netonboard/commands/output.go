package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/openfroyo/netonboard/pkg/engine"
)

var (
	colorGreen = lipgloss.Color("#22c55e")
	colorRed   = lipgloss.Color("#ef4444")
	colorBlue  = lipgloss.Color("#3b82f6")
	colorAmber = lipgloss.Color("#f59e0b")
	colorDim   = lipgloss.Color("#6b7280")
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	dimStyle   = lipgloss.NewStyle().Foreground(colorDim)
	labelStyle = lipgloss.NewStyle().Foreground(colorDim).Width(12)
)

func statusStyle(s engine.TaskStatus) lipgloss.Style {
	switch s {
	case engine.StatusSucceeded:
		return lipgloss.NewStyle().Foreground(colorGreen)
	case engine.StatusFailed:
		return lipgloss.NewStyle().Foreground(colorRed)
	case engine.StatusRunning:
		return lipgloss.NewStyle().Foreground(colorBlue)
	default:
		return lipgloss.NewStyle().Foreground(colorAmber)
	}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printTask(w io.Writer, t *engine.Task) error {
	if jsonOutput {
		return printJSON(w, t)
	}
	_, err := io.WriteString(w, renderTask(t))
	return err
}

func printTasks(w io.Writer, tasks []*engine.Task) error {
	if jsonOutput {
		return printJSON(w, tasks)
	}
	_, err := io.WriteString(w, renderTaskTable(tasks))
	return err
}

func printDrivers(w io.Writer, descs []engine.Descriptor) error {
	if jsonOutput {
		return printJSON(w, descs)
	}
	_, err := io.WriteString(w, renderDriverTable(descs))
	return err
}

func field(b *strings.Builder, label, value string) {
	if value == "" {
		return
	}
	b.WriteString("  ")
	b.WriteString(labelStyle.Render(label))
	b.WriteString(value)
	b.WriteString("\n")
}

func renderTask(t *engine.Task) string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Task " + t.ID))
	b.WriteString("\n")
	field(&b, "Status", statusStyle(t.Status).Render(string(t.Status)))
	field(&b, "Address", fmt.Sprintf("%s:%d", t.Request.Address, t.Request.Port))
	field(&b, "Platform", t.Request.Platform)
	field(&b, "Created", t.CreatedAt.Format("2006-01-02 15:04:05"))
	field(&b, "Updated", t.UpdatedAt.Format("2006-01-02 15:04:05"))

	if r := t.Result; r != nil {
		field(&b, "Driver", r.Platform)
		field(&b, "Attempts", fmt.Sprint(r.Attempts))
		if f := r.Facts; f != nil {
			field(&b, "Hostname", f.Hostname)
			field(&b, "Vendor", f.Vendor)
			field(&b, "Model", f.Model)
			field(&b, "Serial", f.Serial)
			field(&b, "OS", f.OSVersion)
			for _, iface := range f.Interfaces {
				addr := iface.Address
				if iface.PrefixLength > 0 {
					addr = fmt.Sprintf("%s/%d", addr, iface.PrefixLength)
				}
				field(&b, "Interface", strings.TrimSpace(iface.Name+" "+addr))
			}
		}
		for _, warn := range r.Warnings {
			field(&b, "Warning", lipgloss.NewStyle().Foreground(colorAmber).Render(warn.Message))
		}
	}
	if f := t.Failure; f != nil {
		field(&b, "Reason", lipgloss.NewStyle().Foreground(colorRed).Render(string(f.Reason)))
		field(&b, "Kind", string(f.Kind))
		field(&b, "Driver", f.Platform)
		field(&b, "Attempts", fmt.Sprint(f.Attempts))
		field(&b, "Message", f.Message)
	}
	return b.String()
}

func renderTaskTable(tasks []*engine.Task) string {
	if len(tasks) == 0 {
		return dimStyle.Render("No tasks") + "\n"
	}

	var b strings.Builder
	b.WriteString(dimStyle.Render(fmt.Sprintf("%-36s  %-10s  %-24s  %-16s  %s", "ID", "STATUS", "ADDRESS", "PLATFORM", "UPDATED")))
	b.WriteString("\n")
	for _, t := range tasks {
		platform := t.Request.Platform
		if t.Result != nil {
			platform = t.Result.Platform
		}
		if platform == "" {
			platform = "-"
		}
		status := statusStyle(t.Status).Render(fmt.Sprintf("%-10s", t.Status))
		fmt.Fprintf(&b, "%-36s  %s  %-24s  %-16s  %s\n",
			t.ID,
			status,
			fmt.Sprintf("%s:%d", t.Request.Address, t.Request.Port),
			platform,
			t.UpdatedAt.Format("2006-01-02 15:04:05"),
		)
	}
	b.WriteString(dimStyle.Render(fmt.Sprintf("%d task(s)", len(tasks))))
	b.WriteString("\n")
	return b.String()
}

func renderDriverTable(descs []engine.Descriptor) string {
	var b strings.Builder
	b.WriteString(dimStyle.Render(fmt.Sprintf("%-20s  %-16s  %-9s  %s", "PLATFORM", "VENDOR", "TRANSPORT", "CAPABILITIES")))
	b.WriteString("\n")
	for _, d := range descs {
		caps := make([]string, 0, len(d.Capabilities))
		for _, c := range d.Capabilities {
			caps = append(caps, string(c))
		}
		fmt.Fprintf(&b, "%-20s  %-16s  %-9s  %s\n", d.Platform, d.Vendor, d.Transport, strings.Join(caps, ","))
	}
	return b.String()
}

func checkMark() string {
	return lipgloss.NewStyle().Foreground(colorGreen).Render("✓")
}
