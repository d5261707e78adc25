package settingspair

import (
	"testing"

	"golang.org/x/net/http2"
)

func TestApplySetting_EnablePushValidation(t *testing.T) {
	p := New(DefaultLocalValues())
	if _, _, _, err := p.ApplySetting(http2.SettingEnablePush, 2); err == nil {
		t.Fatal("expected error for ENABLE_PUSH=2")
	}
	if _, _, _, err := p.ApplySetting(http2.SettingEnablePush, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.Remote().EnablePush {
		t.Fatal("expected EnablePush true after SETTINGS value 1")
	}
}

func TestApplySetting_MaxFrameSizeRange(t *testing.T) {
	p := New(DefaultLocalValues())
	if _, _, _, err := p.ApplySetting(http2.SettingMaxFrameSize, 100); err == nil {
		t.Fatal("expected error for too-small MAX_FRAME_SIZE")
	}
	if _, _, _, err := p.ApplySetting(http2.SettingMaxFrameSize, 1<<25); err == nil {
		t.Fatal("expected error for too-large MAX_FRAME_SIZE")
	}
	if _, _, _, err := p.ApplySetting(http2.SettingMaxFrameSize, 32768); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Remote().MaxFrameSize != 32768 {
		t.Fatalf("expected MaxFrameSize 32768, got %d", p.Remote().MaxFrameSize)
	}
}

func TestApplySetting_InitialWindowSizeDelta(t *testing.T) {
	p := New(DefaultLocalValues())
	p.remote.InitialWindowSize = 65535

	oldW, newW, changed, err := p.ApplySetting(http2.SettingInitialWindowSize, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !changed {
		t.Fatal("expected changed=true")
	}
	if oldW != 65535 || newW != 100 {
		t.Fatalf("expected old=65535 new=100, got old=%d new=%d", oldW, newW)
	}
}

func TestConfirmAck(t *testing.T) {
	p := New(DefaultLocalValues())
	if p.ConfirmAck() {
		t.Fatal("expected no pending ack initially")
	}
	p.RecordLocalSettingsSent()
	if !p.ConfirmAck() {
		t.Fatal("expected pending ack to confirm")
	}
	if p.ConfirmAck() {
		t.Fatal("expected ack already consumed")
	}
}
