package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// eventStream writes line-delimited "data: <json>" records, flushing after
// every event so clients see progress as it happens.
type eventStream struct {
	writer gin.ResponseWriter
}

func newEventStream(c *gin.Context) *eventStream {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()
	return &eventStream{writer: c.Writer}
}

func (s *eventStream) send(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.sendRaw(data)
}

func (s *eventStream) sendRaw(data []byte) error {
	if _, err := fmt.Fprintf(s.writer, "data: %s\n\n", data); err != nil {
		return err
	}
	s.writer.Flush()
	return nil
}
