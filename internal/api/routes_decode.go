package api

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/liqitap/internal/protocol"
)

var errUnknownEncoding = errors.New("encoding must be base64 or hex")

type decodeRequest struct {
	Frame    string `json:"frame" binding:"required"`
	Encoding string `json:"encoding"`
}

// handleDecode decodes a single frame supplied by the caller.
func (s *Server) handleDecode(c *gin.Context) {
	var body decodeRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	frame, err := decodeFrameText(body.Frame, body.Encoding)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := s.parser.Parse(frame)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":  err.Error(),
			"reason": protocol.Reason(err),
		})
		return
	}

	c.JSON(http.StatusOK, describeMessage(msg))
}

func decodeFrameText(text, encoding string) ([]byte, error) {
	text = strings.TrimSpace(text)
	switch strings.ToLower(encoding) {
	case "", "base64":
		return base64.StdEncoding.DecodeString(text)
	case "hex":
		return hex.DecodeString(strings.ReplaceAll(text, " ", ""))
	default:
		return nil, errUnknownEncoding
	}
}

// describeMessage renders a decoded message using the record field names.
func describeMessage(msg *protocol.Message) gin.H {
	out := gin.H{
		"type": msg.Kind.String(),
		"data": base64.StdEncoding.EncodeToString(msg.Payload),
		"size": len(msg.Payload),
	}
	if id, ok := msg.CorrelationID(); ok {
		out["id"] = id
	}
	if msg.HasMethod() {
		out["method"] = msg.Method
		out["known"] = protocol.LookupMethod(msg.Method).String()
	}
	if msg.Action != nil {
		out["action_name"] = msg.Action.Name
		out["action_data"] = base64.StdEncoding.EncodeToString(msg.Action.Payload)
	}
	if msg.ActionErr != nil {
		out["action_error"] = msg.ActionErr.Error()
		out["action_reason"] = protocol.Reason(msg.ActionErr)
	}
	return out
}
