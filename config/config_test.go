package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestNormalizeSoftExpiryPolicy(t *testing.T) {
	cases := map[string]string{
		"":                SoftExpirySuppressRender,
		"suppress_render": SoftExpirySuppressRender,
		"Finalize":        SoftExpiryFinalize,
		" finalize ":      SoftExpiryFinalize,
	}
	for in, want := range cases {
		got, err := NormalizeSoftExpiryPolicy(in)
		if err != nil || got != want {
			t.Fatalf("策略 %q 应为 %q, got %q %v", in, want, got, err)
		}
	}
	if _, err := NormalizeSoftExpiryPolicy("finalise"); !errors.Is(err, ErrUnknownSoftExpiryPolicy) {
		t.Fatalf("未知策略应报错, got %v", err)
	}
}

func TestLoadConfigRejectsUnknownPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("poll:\n  soft_expiry_policy: Finalise\n"), 0o644); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	if _, err := LoadConfig(path, nil); !errors.Is(err, ErrUnknownSoftExpiryPolicy) {
		t.Fatalf("未知策略应拒绝启动, got %v", err)
	}

	if err := os.WriteFile(path, []byte("poll:\n  soft_expiry_policy: FINALIZE\n"), 0o644); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	cfg, err := LoadConfig(path, nil)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.Poll.SoftExpiryPolicy != SoftExpiryFinalize || cfg.Poll.LockRetries != 5 {
		t.Fatalf("配置值错误: %+v", cfg.Poll)
	}
}
