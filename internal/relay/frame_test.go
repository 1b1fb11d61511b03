package relay

import (
	"errors"
	"testing"
)

func TestDecodeFrameKinds(t *testing.T) {
	cases := []struct {
		raw  string
		want any
	}{
		{`{"type":"auth","userId":"u1"}`, &AuthFrame{}},
		{`{"type":"message","conversationId":"c1","senderId":"u1","content":"x"}`, &MessageFrame{}},
		{`{"type":"typing","conversationId":"c1","userId":"u1","isTyping":true}`, &TypingFrame{}},
		{`{"type":"call_offer","targetUserId":"u2"}`, &CallOfferFrame{}},
		{`{"type":"call_answer","callerId":"u1"}`, &CallAnswerFrame{}},
		{`{"type":"ice_candidate","targetUserId":"u2"}`, &IceCandidateFrame{}},
		{`{"type":"call_end","targetUserId":"u2"}`, &CallEndFrame{}},
		{`{"type":"call_reject","callerId":"u1"}`, &CallRejectFrame{}},
	}

	for _, tc := range cases {
		frame, err := DecodeFrame([]byte(tc.raw))
		if err != nil {
			t.Fatalf("decode %s: %v", tc.raw, err)
		}
		if frameOp(frame) != frameOp(tc.want) {
			t.Fatalf("decoded %s into %T", tc.raw, frame)
		}
	}
}

func TestDecodeFrameFields(t *testing.T) {
	frame, err := DecodeFrame([]byte(`{"type":"message","conversationId":"c1","senderId":"u1","content":"hello","messageType":"image"}`))
	if err != nil {
		t.Fatal(err)
	}
	msg, ok := frame.(*MessageFrame)
	if !ok {
		t.Fatalf("expected *MessageFrame, got %T", frame)
	}
	if msg.ConversationID != "c1" || msg.SenderID != "u1" || msg.Content != "hello" || msg.MessageType != "image" {
		t.Fatalf("unexpected fields: %+v", msg)
	}
}

func TestDecodeFrameUnknownKind(t *testing.T) {
	_, err := DecodeFrame([]byte(`{"type":"presence_probe"}`))
	if !errors.Is(err, errUnknownKind) {
		t.Fatalf("expected errUnknownKind, got %v", err)
	}
}

func TestDecodeFrameMalformed(t *testing.T) {
	for _, raw := range []string{`{broken`, `[]`, `{"userId":"u1"}`, `{"type":""}`} {
		_, err := DecodeFrame([]byte(raw))
		if err == nil {
			t.Fatalf("expected an error for %s", raw)
		}
		if errors.Is(err, errUnknownKind) {
			t.Fatalf("malformed input %s must not look like an unknown kind", raw)
		}
	}
}

func TestDecodeFramePayloadOpaque(t *testing.T) {
	raw := `{"type":"call_offer","targetUserId":"u2","offer":{"sdp":"v=0\r\no=caller","weird":[1,null]}}`
	frame, err := DecodeFrame([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	offer := frame.(*CallOfferFrame)
	if string(offer.Offer) != `{"sdp":"v=0\r\no=caller","weird":[1,null]}` {
		t.Fatalf("offer payload must survive byte for byte, got %s", offer.Offer)
	}
}
