package deepseek

import (
	"bufio"
	"errors"
	"io"
	"strings"

	"github.com/kiranshivaraju/promptbatch/internal/ai"
)

var errStreamDone = errors.New("stream done")

// streamSSE reads server-sent events from r and calls onEvent once per event.
// Returning errStreamDone from onEvent stops reading without error.
// Read failures surface as retryable transport errors.
func streamSSE(r io.Reader, onEvent func(event string, data string) error) error {
	br := bufio.NewReaderSize(r, 64<<10)
	var (
		eventName string
		dataLines []string
	)

	flush := func() error {
		if len(dataLines) == 0 {
			eventName = ""
			return nil
		}
		data := strings.Join(dataLines, "\n")
		ev := eventName
		dataLines = nil
		eventName = ""
		return onEvent(ev, data)
	}

	for {
		line, err := br.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return &ai.ProviderError{Provider: ai.DeepSeek, Message: "reading stream: " + err.Error(), Err: err}
		}
		eof := errors.Is(err, io.EOF)
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if ferr := flush(); ferr != nil {
				if errors.Is(ferr, errStreamDone) {
					return nil
				}
				return ferr
			}
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}

		if eof {
			if ferr := flush(); ferr != nil && !errors.Is(ferr, errStreamDone) {
				return ferr
			}
			return nil
		}
	}
}
