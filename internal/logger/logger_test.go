package logger

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestInfo_Success_Warn_Error_NoPanic(t *testing.T) {
	if err := Init("debug", "json"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer Init("info", "console")

	Debug("TAG", "message")
	Info("TAG", "message")
	Success("TAG", "message")
	Warn("TAG", "message")
	Error("TAG", "message")
}

func TestBanner_NoPanic(t *testing.T) {
	Banner("v1.0.0")
	Banner("")
}

func TestSectionAndStats_NoPanic(t *testing.T) {
	Section("Test")
	Stats("key", 42)
	Server("127.0.0.1:13370")
}

func TestInit_UnknownLevelFallsBack(t *testing.T) {
	if err := Init("chatty", "xml"); err != nil {
		t.Fatalf("Init with unknown values should fall back, got %v", err)
	}
	defer Init("info", "console")
	if L() == nil {
		t.Fatal("L() returned nil")
	}
	if L().Core().Enabled(zapcore.DebugLevel) {
		t.Error("debug should be disabled after fallback to info")
	}
}
