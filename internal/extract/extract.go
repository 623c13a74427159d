package extract

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"
)

// maxLine bounds a single JSONL record.
const maxLine = 16 << 20

// ErrNotConfigured is returned when Convert runs before Configure.
var ErrNotConfigured = errors.New("converter is not configured")

// Converter turns a JSONL record file into plain text, one record per line.
type Converter struct {
	input  string
	output string
	log    logrus.FieldLogger
}

// NewConverter creates an unconfigured converter.
func NewConverter(log logrus.FieldLogger) *Converter {
	return &Converter{log: log}
}

// Configure sets the input JSONL file and the output text file.
func (c *Converter) Configure(input, output string) {
	c.input = input
	c.output = output
}

// Convert writes the body (or text) field of every record to the output file
// and returns the number of lines written.
func (c *Converter) Convert() (int, error) {
	if c.input == "" || c.output == "" {
		return 0, ErrNotConfigured
	}
	c.log.Infof("converting JSONL from %s", c.input)

	in, err := os.Open(c.input)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", c.input, err)
	}
	defer in.Close()

	out, err := os.Create(c.output)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", c.output, err)
	}
	defer out.Close()

	w := bufio.NewWriter(out)
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), maxLine)

	written, lineNo := 0, 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var record map[string]any
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			return written, fmt.Errorf("failed to decode line %d: %w", lineNo, err)
		}

		text := Text(record)
		if text == "" {
			continue
		}
		if _, err := w.WriteString(text + "\n"); err != nil {
			return written, fmt.Errorf("failed to write text: %w", err)
		}
		written++
	}
	if err := scanner.Err(); err != nil {
		return written, fmt.Errorf("failed to read %s: %w", c.input, err)
	}
	if err := w.Flush(); err != nil {
		return written, fmt.Errorf("failed to write text: %w", err)
	}

	c.log.Infof("%s is written completely", c.output)
	return written, nil
}

// Text returns the record's readable text with markup removed and
// whitespace collapsed.
func Text(record map[string]any) string {
	for _, key := range []string{"body", "text"} {
		if s, ok := record[key].(string); ok && strings.TrimSpace(s) != "" {
			return StripHTML(s)
		}
	}
	return ""
}

// StripHTML drops tags from s. Plain text passes through unchanged apart
// from whitespace collapsing.
func StripHTML(s string) string {
	if strings.ContainsAny(s, "<&") {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(s)); err == nil {
			s = doc.Text()
		}
	}
	return strings.Join(strings.Fields(s), " ")
}
