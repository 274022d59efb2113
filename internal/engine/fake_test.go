package engine

import (
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestHeadlessFactoryCarriesICEServers(t *testing.T) {
	servers := []webrtc.ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
		{URLs: []string{"turn:turn.example.com:3478"}, Username: "u", Credential: "p"},
	}

	eng, err := HeadlessFactory(servers)("s1", Callbacks{})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	f, ok := eng.(*Fake)
	if !ok {
		t.Fatalf("factory returned %T", eng)
	}
	if len(f.ICEServers) != 2 || f.ICEServers[0].URLs[0] != "stun:stun.l.google.com:19302" {
		t.Fatalf("ice servers not passed through: %+v", f.ICEServers)
	}
}

func TestIsTerminalICEState(t *testing.T) {
	terminal := []webrtc.ICEConnectionState{
		webrtc.ICEConnectionStateFailed,
		webrtc.ICEConnectionStateDisconnected,
		webrtc.ICEConnectionStateClosed,
	}
	for _, st := range terminal {
		if !IsTerminalICEState(st) {
			t.Fatalf("%s should be terminal", st)
		}
	}
	healthy := []webrtc.ICEConnectionState{
		webrtc.ICEConnectionStateNew,
		webrtc.ICEConnectionStateChecking,
		webrtc.ICEConnectionStateConnected,
		webrtc.ICEConnectionStateCompleted,
	}
	for _, st := range healthy {
		if IsTerminalICEState(st) {
			t.Fatalf("%s should not be terminal", st)
		}
	}
}
