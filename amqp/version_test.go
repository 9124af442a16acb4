package amqp

import (
	"fmt"
	"testing"
)

func TestVersion(t *testing.T) {
	n := VersionNumber()
	want := fmt.Sprintf("%d.%d.%d", n>>24, n>>16&0xff, n>>8&0xff)
	if n&0xff == 0 {
		want += "-pre"
	}
	if got := Version(); got != want {
		t.Errorf("Version() = %q, VersionNumber() encodes %q", got, want)
	}
}

func TestClientPropertiesCarryVersion(t *testing.T) {
	props := defaultClientProperties()
	if props["version"] != Version() {
		t.Errorf("version property = %v, want %s", props["version"], Version())
	}
}
