package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nkamura/llm-gateway/internal/gateway"
	"github.com/nkamura/llm-gateway/internal/upstream"
	"github.com/nkamura/llm-gateway/pkg/api"
)

type ChatHandler struct {
	service gateway.Service
	logger  *zap.Logger
}

func NewChatHandler(service gateway.Service, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{
		service: service,
		logger:  logger,
	}
}

// CreateCompletion handles POST /v1/chat/completions. The body is kept
// as a generic map so unrecognized sampling fields pass through to the
// upstream untouched.
func (h *ChatHandler) CreateCompletion(c *gin.Context) {
	var payload map[string]interface{}
	if err := c.ShouldBindJSON(&payload); err != nil {
		_ = c.Error(api.BadRequestError("request body is not valid JSON", api.WithLog(err)))
		return
	}
	// A literal `null` body binds to a nil map without error.
	if payload == nil {
		_ = c.Error(api.BadRequestError("request body must be a JSON object"))
		return
	}

	if streamFlag, _ := payload["stream"].(bool); streamFlag {
		h.handleStream(c, payload)
		return
	}

	res, err := h.service.ChatCompletion(c.Request.Context(), payload)
	if err != nil {
		_ = c.Error(api.UpstreamUnavailableError("failed to reach the inference server", err))
		return
	}

	mirror(c, res.StatusCode, res.Body)
}

// handleStream relays the upstream byte stream as SSE. The chunks are
// written exactly as received; the only thing this handler ever adds is
// the terminal error event when the upstream connection drops.
func (h *ChatHandler) handleStream(c *gin.Context, payload map[string]interface{}) {
	chunks, err := h.service.StreamChatCompletion(c.Request.Context(), payload)
	if err != nil {
		var ue *upstream.UpstreamError
		if errors.As(err, &ue) {
			// The upstream rejected the request before streaming began;
			// its status and body can still be mirrored.
			mirror(c, ue.StatusCode, ue.Body)
			return
		}
		_ = c.Error(api.UpstreamUnavailableError("failed to open upstream stream", err))
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		chunk, ok := <-chunks
		if !ok {
			return false
		}

		if chunk.Err != nil {
			h.logger.Warn("stream terminated early", zap.Error(chunk.Err))
			errEvent, _ := json.Marshal(gin.H{
				"error": gin.H{"message": chunk.Err.Error()},
			})
			_, _ = fmt.Fprintf(w, "data: %s\n\n", errEvent)
			_, _ = io.WriteString(w, "data: [DONE]\n\n")
			return false
		}

		_, werr := w.Write(chunk.Data)
		return werr == nil
	})
}

// mirror re-emits an upstream response with its original status code.
// Bodies that fail to decode as JSON are wrapped rather than dropped;
// the gateway never fabricates a success the upstream did not report.
func mirror(c *gin.Context, status int, body []byte) {
	var decoded interface{}
	if err := json.Unmarshal(body, &decoded); err != nil {
		c.JSON(status, gin.H{"raw": string(body)})
		return
	}
	c.JSON(status, decoded)
}
