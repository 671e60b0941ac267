package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/claude/squatcoach/internal/pose"
	"github.com/claude/squatcoach/internal/session"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	inputPath := flag.String("input", "-", "path to a JSONL file of pose frames ('-' for stdin)")
	attemptIndex := flag.Int("attempt-index", 1, "demo attempt index for the summary")
	asJSON := flag.Bool("json", false, "print the summary as JSON instead of log lines")
	version := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *version {
		fmt.Println("squatcoach-replay", Version)
		return
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	var in io.Reader = os.Stdin
	if *inputPath != "-" {
		f, err := os.Open(*inputPath)
		if err != nil {
			log.Error("failed to open input", "path", *inputPath, "error", err)
			os.Exit(1)
		}
		defer func() { _ = f.Close() }()
		in = f
	}

	counter := pose.NewCounter(pose.DefaultConfig())
	frames, skipped, firstTS, lastTS, err := replay(in, counter)
	if err != nil {
		log.Error("replay failed", "error", err)
		os.Exit(1)
	}
	log.Info("frames processed", "frames", frames, "skipped", skipped)

	duration := time.Duration(0)
	if lastTS > firstTS {
		duration = time.Duration((lastTS - firstTS) * float64(time.Second))
	}

	summary := session.NewSummary(session.SummaryInput{
		AttemptIndex: *attemptIndex,
		Snapshot:     counter.SnapshotResults(),
		Duration:     duration,
		GeneratedAt:  time.Now().UTC(),
	})

	if *asJSON {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(summary); err != nil {
			log.Error("failed to encode summary", "error", err)
			os.Exit(1)
		}
		return
	}

	printSummary(log, summary)
}

// replay feeds each JSONL line through the counter. Malformed lines are
// skipped rather than aborting the run.
func replay(in io.Reader, counter *pose.Counter) (frames, skipped int, firstTS, lastTS float64, err error) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var frame pose.Frame
		if err := json.Unmarshal(line, &frame); err != nil {
			skipped++
			continue
		}
		counter.Process(frame)
		if frames == 0 {
			firstTS = frame.Timestamp
		}
		lastTS = frame.Timestamp
		frames++
	}
	if err := scanner.Err(); err != nil {
		return frames, skipped, firstTS, lastTS, fmt.Errorf("reading frames: %w", err)
	}
	return frames, skipped, firstTS, lastTS, nil
}

func printSummary(log *slog.Logger, summary session.SessionSummary) {
	log.Info("session summary",
		"attempt_index", summary.AttemptIndex,
		"total_reps", summary.TotalReps,
		"tempo_insight", summary.TempoInsight,
		"tempo_title", summary.TempoInsight.Title(),
		"average_tempo_s", fmt.Sprintf("%.2f", summary.AverageTempoSeconds),
		"duration", summary.Duration.String(),
	)
	for _, note := range summary.CoachingNotes {
		log.Info("coaching note", "reason", note.Reason, "count", note.Count, "message", note.Message())
	}
}
