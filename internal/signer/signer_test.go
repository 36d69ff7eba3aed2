package signer

import (
	"errors"
	"testing"
	"time"

	"github.com/apelabs/ape/internal/aperrors"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	s := New("unit-test-secret")
	env, err := s.Sign("res-1", map[string]any{"rows": []any{"a", "b"}})
	if err != nil {
		t.Fatal(err)
	}
	if env.Sig == "" || env.ResultID != "res-1" {
		t.Fatalf("bad envelope: %+v", env)
	}

	payload, err := s.Verify(env)
	if err != nil {
		t.Fatal(err)
	}
	m, ok := payload.(map[string]any)
	if !ok {
		t.Fatalf("payload type %T", payload)
	}
	if rows, ok := m["rows"].([]any); !ok || len(rows) != 2 {
		t.Errorf("payload = %v", m)
	}
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	s := New("unit-test-secret")
	env, err := s.Sign("res-1", "original")
	if err != nil {
		t.Fatal(err)
	}
	env.Sig = env.Sig[:len(env.Sig)-2] + "xx"
	if _, err := s.Verify(env); err == nil {
		t.Fatal("expected verification failure for tampered sig")
	} else if aperrors.CodeOf(err) != aperrors.CodeSignatureError {
		t.Errorf("code = %v", aperrors.CodeOf(err))
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	env, err := New("key-one").Sign("res-1", "data")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := New("key-two").Verify(env); err == nil {
		t.Fatal("expected verification failure across keys")
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	s := New("unit-test-secret").WithClock(func() time.Time { return clock })

	env, err := s.Sign("res-1", "data")
	if err != nil {
		t.Fatal(err)
	}

	// Just inside the lifetime: still valid.
	clock = base.Add(Lifetime - time.Second)
	if _, err := s.Verify(env); err != nil {
		t.Fatalf("valid-window verify failed: %v", err)
	}

	// Past the lifetime: rejected.
	clock = base.Add(Lifetime + time.Minute)
	_, err = s.Verify(env)
	if err == nil {
		t.Fatal("expected expiry rejection")
	}
	var coded *aperrors.Error
	if !errors.As(err, &coded) || coded.Code != aperrors.CodeSignatureError {
		t.Errorf("want SIGNATURE_ERROR, got %v", err)
	}
}

func TestVerifyRejectsMissingPayload(t *testing.T) {
	s := New("unit-test-secret")
	env, err := s.Sign("res-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Verify(env); err == nil {
		t.Fatal("expected rejection of token without payload claim")
	}
}

func TestVerifyRejectsResultIDMismatch(t *testing.T) {
	s := New("unit-test-secret")
	env, err := s.Sign("res-1", "data")
	if err != nil {
		t.Fatal(err)
	}
	env.ResultID = "res-2"
	if _, err := s.Verify(env); err == nil {
		t.Fatal("expected result_id mismatch rejection")
	}
}
