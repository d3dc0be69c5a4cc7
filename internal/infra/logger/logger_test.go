package logger

import (
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	l, err := New(Config{Level: "warn", Encoding: "json", Fields: map[string]string{"service": "roomgate"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if l.Core().Enabled(zapcore.InfoLevel) {
		t.Fatal("info should be disabled at warn level")
	}
	if !l.Core().Enabled(zapcore.ErrorLevel) {
		t.Fatal("error should be enabled at warn level")
	}
}

func TestNew_Rejects(t *testing.T) {
	if _, err := New(Config{Level: "loud"}); err == nil {
		t.Fatal("expected invalid level error")
	}
	if _, err := New(Config{Encoding: "xml"}); err == nil {
		t.Fatal("expected invalid encoding error")
	}
}

func TestToken(t *testing.T) {
	token := "AbCdEfGhIjKlMnOpQrStU_"
	f := Token(token)
	if f.Key != "token_fp" || len(f.String) != 12 {
		t.Fatalf("unexpected field %+v", f)
	}
	if strings.Contains(f.String, token[:6]) {
		t.Fatal("fingerprint leaks the token")
	}
	if Fingerprint(token) != f.String {
		t.Fatal("Token and Fingerprint disagree")
	}
}

func TestL_BeforeInit(t *testing.T) {
	if L() == nil {
		t.Fatal("L must never return nil")
	}
}
