//go:build linux
// +build linux

package sameuser

import (
	"errors"
	"net"
	"testing"
)

const (
	tcp4Header = "  sl  local_address rem_address   st tx_queue rx_queue tr tm->when retrnsmt   uid  timeout inode\n"
	tcp6Header = "  sl  local_address                         remote_address                        st tx_queue rx_queue tr tm->when retrnsmt   uid  timeout inode\n"
)

func TestSameUser(t *testing.T) {
	defer func(u int, rf func(string) ([]byte, error)) { uid, readFile = u, rf }(uid, readFile)
	uid = 149098
	var files map[string]string
	readFile = func(name string) ([]byte, error) {
		s, ok := files[name]
		if !ok {
			return nil, errors.New("no such file")
		}
		return []byte(s), nil
	}

	server4 := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 4040}
	server6 := &net.TCPAddr{IP: net.ParseIP("::1"), Port: 4040}
	for _, tt := range []struct {
		name   string
		files  map[string]string
		local  *net.TCPAddr
		remote *net.TCPAddr
		want   bool
	}{
		{
			name: "ipv4-same",
			files: map[string]string{"/proc/net/tcp": tcp4Header +
				"  21: 0100007F:E682 0100007F:0FC8 01 00000000:00000000 00:00000000 00000000 149098        0 8420541 2 0000000000000000 20 0 0 10 -1"},
			local:  server4,
			remote: &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 59010},
			want:   true,
		},
		{
			name: "ipv4-not-found",
			files: map[string]string{"/proc/net/tcp": tcp4Header +
				"  21: 0100007F:E682 0100007F:0FC8 01 00000000:00000000 00:00000000 00000000 149098        0 8420541 2 0000000000000000 20 0 0 10 -1"},
			local:  server4,
			remote: &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 2342},
			want:   false,
		},
		{
			name: "ipv4-different-uid",
			files: map[string]string{"/proc/net/tcp": tcp4Header +
				"  21: 0100007F:E682 0100007F:0FC8 01 00000000:00000000 00:00000000 00000000 149097        0 8420541 2 0000000000000000 20 0 0 10 -1"},
			local:  server4,
			remote: &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 59010},
			want:   false,
		},
		{
			name: "ipv4-in-tcp6",
			files: map[string]string{
				"/proc/net/tcp": tcp4Header,
				"/proc/net/tcp6": tcp6Header +
					"   5: 0000000000000000FFFF00000100007F:E682 0000000000000000FFFF00000100007F:0FC8 01 00000000:00000000 00:00000000 00000000 149098        0 8425526 2 0000000000000000 20 0 0 10 -1",
			},
			local:  server4,
			remote: &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 59010},
			want:   true,
		},
		{
			name: "ipv6-same",
			files: map[string]string{"/proc/net/tcp6": tcp6Header +
				"   5: 00000000000000000000000001000000:D3E4 00000000000000000000000001000000:0FC8 01 00000000:00000000 00:00000000 00000000 149098        0 8425526 2 0000000000000000 20 0 0 10 -1\n" +
				"   6: 00000000000000000000000001000000:0FC8 00000000000000000000000001000000:D3E4 01 00000000:00000000 00:00000000 00000000 149098        0 8424744 1 0000000000000000 20 0 0 10 -1"},
			local:  server6,
			remote: &net.TCPAddr{IP: net.ParseIP("::1"), Port: 54244},
			want:   true,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			files = tt.files
			// the error is only logged
			same, _ := sameUser(tt.local, tt.remote)
			if same != tt.want {
				t.Errorf("sameUser(%v, %v) = %v, want %v", tt.local, tt.remote, same, tt.want)
			}
		})
	}
}

func TestCanAcceptNonLoopback(t *testing.T) {
	listen := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 4040}
	if !CanAccept(listen, listen, &net.TCPAddr{IP: net.ParseIP("10.0.0.2"), Port: 1234}) {
		t.Error("connections to a non loopback listener should be accepted")
	}
}
