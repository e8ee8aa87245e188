package transcription

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/codebuildervaibhav/speaker-transcript/internal/device"
	"github.com/codebuildervaibhav/speaker-transcript/internal/types"
)

// ReportHeader opens every diarization report.
const ReportHeader = "Speaker Diarization Results:"

// Diarizer detects who speaks when. Implementations run while the caller
// holds claim and must keep device work inside it.
type Diarizer interface {
	Diarize(ctx context.Context, audioPath string, claim *device.Claim) ([]types.DiarizationTurn, error)
}

// CommandDiarizer runs a pyannote wrapper script that prints the detected
// turns as a JSON array on stdout.
type CommandDiarizer struct {
	Command        []string
	MinDurationOff float64
	HFToken        string
	HFHome         string
	Runner         CommandRunner
	Log            *slog.Logger
}

// NewCommandDiarizer returns a diarizer for the given wrapper command line.
func NewCommandDiarizer(command []string, runner CommandRunner, logger *slog.Logger) *CommandDiarizer {
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandDiarizer{
		Command:        command,
		MinDurationOff: 1.0,
		Runner:         runner,
		Log:            logger.With("component", "diarizer"),
	}
}

// Diarize runs the wrapper and returns turns ordered by start time.
func (d *CommandDiarizer) Diarize(ctx context.Context, audioPath string, claim *device.Claim) ([]types.DiarizationTurn, error) {
	if len(d.Command) == 0 {
		return nil, fmt.Errorf("diarization command not configured")
	}

	dev := "cpu"
	var env []string
	if claim != nil {
		dev = claim.Device()
		env = append(env, claim.Env()...)
	}
	if d.HFToken != "" {
		env = append(env, "HUGGING_FACE_HUB_TOKEN="+d.HFToken)
	}
	if d.HFHome != "" {
		env = append(env, "HF_HOME="+d.HFHome)
	}

	args := append([]string{}, d.Command[1:]...)
	args = append(args,
		"--audio", audioPath,
		"--device", dev,
		"--min-duration-off", strconv.FormatFloat(d.MinDurationOff, 'f', -1, 64),
	)

	d.Log.Info("running diarization", "audio", audioPath, "device", dev)
	res, err := d.Runner.Run(ctx, Command{Name: d.Command[0], Args: args, Env: env})
	if err != nil {
		return nil, fmt.Errorf("diarization failed: %w", err)
	}

	var turns []types.DiarizationTurn
	if err := json.Unmarshal(res.Stdout, &turns); err != nil {
		return nil, fmt.Errorf("failed to parse diarization output: %w", err)
	}
	for i, t := range turns {
		if t.Speaker == "" {
			return nil, fmt.Errorf("diarization turn %d has no speaker", i)
		}
		if t.End < t.Start {
			return nil, fmt.Errorf("diarization turn %d ends before it starts (%.3f < %.3f)", i, t.End, t.Start)
		}
	}
	SortTurns(turns)

	d.Log.Info("diarization complete", "turns", len(turns))
	return turns, nil
}

// SortTurns orders turns by start time, keeping the order of equal starts.
func SortTurns(turns []types.DiarizationTurn) {
	sort.SliceStable(turns, func(i, j int) bool {
		return turns[i].Start < turns[j].Start
	})
}

// FormatReport renders turns in the persisted report format.
func FormatReport(turns []types.DiarizationTurn) string {
	var b strings.Builder
	b.WriteString(ReportHeader)
	b.WriteString("\n\n")
	for _, t := range turns {
		fmt.Fprintf(&b, "[%.1fs -> %.1fs] %s\n", t.Start, t.End, t.Speaker)
	}
	return b.String()
}

// WriteReport writes the report for turns to path.
func WriteReport(path string, turns []types.DiarizationTurn) error {
	if err := os.WriteFile(path, []byte(FormatReport(turns)), 0o644); err != nil {
		return fmt.Errorf("write diarization report: %w", err)
	}
	return nil
}

var reportLine = regexp.MustCompile(`^\[(\d+(?:\.\d+)?)s -> (\d+(?:\.\d+)?)s\] (\S+)$`)

// ParseReport reads a report produced by FormatReport. Malformed lines are
// rejected with their line number.
func ParseReport(r io.Reader) ([]types.DiarizationTurn, error) {
	var turns []types.DiarizationTurn
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || (lineNo == 1 && line == ReportHeader) {
			continue
		}
		m := reportLine.FindStringSubmatch(line)
		if m == nil {
			return nil, fmt.Errorf("report line %d: malformed %q", lineNo, line)
		}
		start, _ := strconv.ParseFloat(m[1], 64)
		end, _ := strconv.ParseFloat(m[2], 64)
		turns = append(turns, types.DiarizationTurn{Start: start, End: end, Speaker: m[3]})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read report: %w", err)
	}
	return turns, nil
}

// ReadReport parses the report at path.
func ReadReport(path string) ([]types.DiarizationTurn, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseReport(f)
}
