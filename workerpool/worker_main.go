package workerpool

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/j0hanz/fetch-url-mcp-sub001/converter"
)

// RunWorker is the process-transport child loop: it reads newline-delimited
// JSON jobs from r, runs the transform, and writes replies to w. The loop
// is single-threaded, so a cancel can only arrive between jobs; it is
// acknowledged immediately since the job it names is no longer running.
// Malformed input lines are skipped.
func RunWorker(r io.Reader, w io.Writer) error {
	conv := converter.New()
	enc := json.NewEncoder(w)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxWireBytes)

	for scanner.Scan() {
		var job jobMessage
		if err := json.Unmarshal(scanner.Bytes(), &job); err != nil {
			continue
		}

		switch job.Type {
		case msgTransform:
			res, err := runTransform(conv, job)
			var reply workerMessage
			if err != nil {
				reply = workerMessage{Type: msgError, ID: job.ID, Error: payloadFromError(err, job.URL)}
			} else {
				reply = workerMessage{Type: msgResult, ID: job.ID, Result: res}
			}
			if err := enc.Encode(reply); err != nil {
				return fmt.Errorf("write reply: %w", err)
			}
		case msgCancel:
			if err := enc.Encode(workerMessage{Type: msgCancelled, ID: job.ID}); err != nil {
				return fmt.Errorf("write cancel ack: %w", err)
			}
		}
	}
	return scanner.Err()
}
