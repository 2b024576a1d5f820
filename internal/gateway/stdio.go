package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/pmlhq/pml-gateway/pkg/models"
)

const maxFrameBytes = 16 << 20

// RunStdio serves MCP over newline-delimited JSON-RPC on the given
// streams until EOF or context cancellation. Responses and
// notifications share the writer under one lock so frames never
// interleave.
func (g *Gateway) RunStdio(ctx context.Context, r io.Reader, w io.Writer) error {
	var writeMu sync.Mutex
	writeFrame := func(frame []byte) {
		writeMu.Lock()
		defer writeMu.Unlock()
		w.Write(append(frame, '\n'))
	}

	g.SetNotifier(func(n models.MCPNotification) {
		frame, err := json.Marshal(n)
		if err != nil {
			log.Warn().Err(err).Str("method", n.Method).Msg("Notification marshal failed")
			return
		}
		writeFrame(frame)
	})
	defer g.SetNotifier(nil)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)

	var wg sync.WaitGroup
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		default:
		}
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if resp := g.HandleMessage(ctx, line); resp != nil {
				writeFrame(resp)
			}
		}()
	}
	wg.Wait()

	if err := scanner.Err(); err != nil {
		log.Error().Err(err).Msg("stdio read failed")
		return err
	}
	return nil
}
