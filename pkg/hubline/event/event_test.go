package event

import (
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Run("object with type and topic", func(t *testing.T) {
		ev, err := Parse([]byte(`{"type":"typing","topic":"conversation/42/typing","userId":"u1","isTyping":true}`))
		require.NoError(t, err)
		assert.Equal(t, "typing", ev.Type)
		assert.Equal(t, "conversation/42/typing", ev.Topic)

		var userID string
		require.NoError(t, ev.Field("userId", &userID))
		assert.Equal(t, "u1", userID)
		assert.True(t, ev.Has("isTyping"))
		assert.False(t, ev.Has("missing"))
	})

	t.Run("missing type is allowed", func(t *testing.T) {
		ev, err := Parse([]byte(`{"foo":1}`))
		require.NoError(t, err)
		assert.Empty(t, ev.Type)
	})

	t.Run("non-object payloads are rejected", func(t *testing.T) {
		for _, payload := range []string{``, `[]`, `"text"`, `42`, `{broken`} {
			_, err := Parse([]byte(payload))
			assert.Error(t, err, payload)
		}
	})

	t.Run("non-string type is treated as empty", func(t *testing.T) {
		ev, err := Parse([]byte(`{"type":7}`))
		require.NoError(t, err)
		assert.Empty(t, ev.Type)
	})
}

func TestNewAndDecode(t *testing.T) {
	ev, err := New(TypeViewerCountUpdate, map[string]any{"viewerCount": 50})
	require.NoError(t, err)
	assert.Equal(t, TypeViewerCountUpdate, ev.Type)

	var decoded struct {
		Type        string `json:"type"`
		ViewerCount int    `json:"viewerCount"`
	}
	require.NoError(t, ev.Decode(&decoded))
	assert.Equal(t, TypeViewerCountUpdate, decoded.Type)
	assert.Equal(t, 50, decoded.ViewerCount)

	_, err = New("", nil)
	assert.ErrorIs(t, err, ErrMissingType)
}

func TestWithTopicDoesNotMutate(t *testing.T) {
	original := MustNew(TypeNotification, map[string]any{"notification": map[string]any{"id": "n1"}})
	tagged := original.WithTopic("user/7/notifications").WithID("abc")

	assert.Empty(t, original.Topic)
	assert.False(t, original.Has(FieldTopic))
	assert.Equal(t, "user/7/notifications", tagged.Topic)
	assert.Equal(t, "abc", tagged.ID)

	data, err := json.Marshal(tagged)
	require.NoError(t, err)

	reparsed, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, "user/7/notifications", reparsed.Topic)
	assert.Equal(t, "abc", reparsed.ID)
	assert.Equal(t, TypeNotification, reparsed.Type)
}

func TestTopicHelpers(t *testing.T) {
	assert.Equal(t, "user/7/notifications", UserNotifications("7"))
	assert.Equal(t, "conversation/42", Conversation("42"))
	assert.Equal(t, "conversation/42/typing", ConversationTyping("42"))
	assert.Equal(t, "live-stream/9", LiveStream("9"))
	assert.Equal(t, "live-stream/9/chat", LiveStreamChat("9"))
	assert.Equal(t, "live-stream/9/viewers", LiveStreamViewers("9"))
	assert.Equal(t, "live-stream/9/products", LiveStreamProducts("9"))

	assert.NoError(t, ValidateTopic("conversation/+/typing", true))
	assert.Error(t, ValidateTopic("conversation/+/typing", false))
	assert.Error(t, ValidateTopic("  ", true))
	assert.Error(t, ValidateTopic("bad\ntopic", true))
}

func TestFrameRoundTrip(t *testing.T) {
	var sb strings.Builder
	require.NoError(t, WriteComment(&sb, "heartbeat"))
	require.NoError(t, WriteFrame(&sb, Frame{ID: "1", Data: `{"type":"a"}`}))
	require.NoError(t, WriteFrame(&sb, Frame{ID: "2", Event: "update", Data: "line1\nline2", Retry: 3 * time.Second}))

	reader := NewFrameReader(strings.NewReader(sb.String()))

	f1, err := reader.Next()
	require.NoError(t, err)
	assert.Equal(t, "1", f1.ID)
	assert.Equal(t, `{"type":"a"}`, f1.Data)

	f2, err := reader.Next()
	require.NoError(t, err)
	assert.Equal(t, "2", f2.ID)
	assert.Equal(t, "update", f2.Event)
	assert.Equal(t, "line1\nline2", f2.Data)
	assert.Equal(t, 3*time.Second, f2.Retry)

	_, err = reader.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrameReaderReturnsIDOnlyFrames(t *testing.T) {
	reader := NewFrameReader(strings.NewReader("id: 7\n\n: keepalive\n\nretry: 10\n\ndata: {\"type\":\"x\"}\n\n"))

	f, err := reader.Next()
	require.NoError(t, err)
	assert.Equal(t, "7", f.ID)
	assert.Equal(t, "", f.Data)

	f, err = reader.Next()
	require.NoError(t, err)
	assert.Equal(t, "", f.ID)
	assert.Equal(t, `{"type":"x"}`, f.Data)
}

func TestFrameReaderCRLFAndTruncation(t *testing.T) {
	reader := NewFrameReader(strings.NewReader("data: {\"type\":\"x\"}\r\n\r\ndata: partial"))

	f, err := reader.Next()
	require.NoError(t, err)
	assert.Equal(t, `{"type":"x"}`, f.Data)

	_, err = reader.Next()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
