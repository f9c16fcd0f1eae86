package redis

import "testing"

func TestKeys(t *testing.T) {
	c := &Client{prefix: "pw"}

	if got := c.signatureKey("v1=abc"); got != "pw:webhook-sig:v1=abc" {
		t.Errorf("signatureKey = %s", got)
	}
	if got := c.lockKey("poller"); got != "pw:lock:poller" {
		t.Errorf("lockKey = %s", got)
	}
}

func TestConfigEnabled(t *testing.T) {
	if (Config{}).Enabled() {
		t.Error("empty config should be disabled")
	}
	if !(Config{URL: "redis://localhost:6379/0"}).Enabled() {
		t.Error("config with URL should be enabled")
	}
}
