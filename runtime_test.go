// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package taskrt

import (
	"context"
	"testing"
)

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"empty cpus", Config{}, true},
		{"negative cpu", Config{CPUs: []int{-1}}, true},
		{"duplicate cpu", Config{CPUs: []int{0, 0}}, true},
		{"ok", Config{CPUs: []int{0, 1}}, false},
		{"cluster bad node", Config{CPUs: []int{0}, ClusterEnabled: true, NodeID: 3, NumNodes: 2}, true},
		{"cluster ok", Config{CPUs: []int{0}, ClusterEnabled: true, NodeID: 0, NumNodes: 2}, false},
	}
	for _, c := range cases {
		err := c.cfg.Validate()
		if (err != nil) != c.wantErr {
			t.Errorf("%s: got err=%v, wantErr=%v", c.name, err, c.wantErr)
		}
	}
}

func TestRuntimeShutdown(t *testing.T) {
	rt, err := New(context.Background(), Config{CPUs: []int{0}})
	if err != nil {
		t.Fatal(err)
	}
	if rt.ShuttingDown() {
		t.Fatal("should not be shutting down yet")
	}
	rt.Shutdown()
	if !rt.ShuttingDown() {
		t.Fatal("expected ShuttingDown after Shutdown")
	}
	select {
	case <-rt.Context().Done():
	default:
		t.Fatal("expected context to be canceled")
	}
}
