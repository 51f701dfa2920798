package llm

import (
	"errors"
	"fmt"
	"net"
	"testing"
	"time"
)

func TestCheckConnectivity_Reachable(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	url := fmt.Sprintf("http://%s/api/chat", listener.Addr())
	if err := CheckConnectivity(url, time.Second); err != nil {
		t.Errorf("CheckConnectivity(%q) = %v, want nil", url, err)
	}
}

func TestCheckConnectivity_NothingListening(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := listener.Addr().String()
	listener.Close()

	err = CheckConnectivity("http://"+addr+"/api/chat", 200*time.Millisecond)
	var terr *TransportError
	if !errors.As(err, &terr) || terr.Kind != ErrUnreachable {
		t.Fatalf("err = %v, want unreachable", err)
	}
}

func TestCheckConnectivity_InvalidURL(t *testing.T) {
	err := CheckConnectivity("http:///nohost", time.Second)
	var terr *TransportError
	if !errors.As(err, &terr) || terr.Kind != ErrUnreachable {
		t.Fatalf("err = %v, want unreachable for URL without host", err)
	}
}

func TestCheckConnectivity_ProcessAlwaysPasses(t *testing.T) {
	if err := CheckConnectivity(ProcessURL, time.Second); err != nil {
		t.Errorf("process transport needs no socket, got %v", err)
	}
}
