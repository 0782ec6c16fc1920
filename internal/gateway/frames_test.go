package gateway

import (
	"strings"
	"testing"
)

func TestDecodeInboundFrame(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr string
	}{
		{
			name: "valid event",
			raw:  `{"type":"event","channel":"dm-1","user":"jonathan","content":"hello"}`,
		},
		{
			name: "valid hello",
			raw:  `{"type":"hello","adapter":"telegram-1","platform":"telegram","token":"s3cret"}`,
		},
		{
			name: "valid cancel",
			raw:  `{"type":"cancel","channel":"dm-1"}`,
		},
		{
			name: "event with broadcast kind",
			raw:  `{"type":"event","channel":"general","user":"alice","content":"hi","channel_kind":"broadcast","sender_name":"Alice"}`,
		},
		{
			name:    "event missing content",
			raw:     `{"type":"event","channel":"dm-1","user":"jonathan"}`,
			wantErr: "content",
		},
		{
			name:    "event empty content",
			raw:     `{"type":"event","channel":"dm-1","user":"jonathan","content":""}`,
			wantErr: "content",
		},
		{
			name:    "event bad channel kind",
			raw:     `{"type":"event","channel":"dm-1","user":"jonathan","content":"x","channel_kind":"group"}`,
			wantErr: "channel_kind",
		},
		{
			name:    "hello missing platform",
			raw:     `{"type":"hello","adapter":"telegram-1"}`,
			wantErr: "platform",
		},
		{
			name:    "cancel missing channel",
			raw:     `{"type":"cancel"}`,
			wantErr: "channel",
		},
		{
			name:    "outbound type rejected",
			raw:     `{"type":"stream_chunk","content":"x"}`,
			wantErr: "not accepted",
		},
		{
			name:    "unknown type",
			raw:     `{"type":"mystery"}`,
			wantErr: "not accepted",
		},
		{
			name:    "missing type",
			raw:     `{"channel":"dm-1"}`,
			wantErr: "type",
		},
		{
			name:    "not an object",
			raw:     `[1,2,3]`,
			wantErr: "object",
		},
		{
			name:    "not json",
			raw:     `hello there`,
			wantErr: "invalid json",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := decodeInboundFrame([]byte(tt.raw))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("decode: %v", err)
				}
				if frame.Type == "" {
					t.Fatal("frame type empty")
				}
				return
			}
			if err == nil {
				t.Fatalf("decoded %q, want error containing %q", tt.raw, tt.wantErr)
			}
			if !strings.Contains(strings.ToLower(err.Error()), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestDecodeEventFields(t *testing.T) {
	raw := `{"type":"event","channel":"general","user":"alice","content":"hi there","sender_name":"Alice","attachments":[{"id":"a1","type":"image","url":"https://cdn.example.com/a1.png"}]}`
	frame, err := decodeInboundFrame([]byte(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frame.Channel != "general" || frame.User != "alice" || frame.Content != "hi there" {
		t.Errorf("fields = %q %q %q", frame.Channel, frame.User, frame.Content)
	}
	if len(frame.Attachments) != 1 || frame.Attachments[0].URL != "https://cdn.example.com/a1.png" {
		t.Errorf("attachments = %+v", frame.Attachments)
	}
}
