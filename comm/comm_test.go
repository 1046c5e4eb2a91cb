package comm_test

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rebqual/rebqual/comm"
)

// bridge answers every line with "ok <line>", terminated by \r\n
func bridge(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				s := bufio.NewScanner(c)
				for s.Scan() {
					c.Write([]byte("ok " + strings.TrimSpace(s.Text()) + "\r\n"))
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func TestSendRecv(t *testing.T) {
	rd := comm.NewRemoteDevice(bridge(t), false)
	require.NoError(t, rd.Open())
	defer rd.Close()

	resp, err := rd.SendRecv([]byte("readChannelValue WREB.OD_V"))
	require.NoError(t, err)
	assert.Equal(t, "ok readChannelValue WREB.OD_V", string(resp))

	// the buffered reader must not drop a second response
	resp, err = rd.SendRecv([]byte("loadBiasDacs true"))
	require.NoError(t, err)
	assert.Equal(t, "ok loadBiasDacs true", string(resp))
}

func TestNotConnected(t *testing.T) {
	rd := comm.NewRemoteDevice("127.0.0.1:1", false)
	_, err := rd.SendRecv([]byte("x"))
	assert.ErrorIs(t, err, comm.ErrNotConnected)
	assert.ErrorIs(t, rd.Send([]byte("x")), comm.ErrNotConnected)
	assert.NoError(t, rd.Close())
}

func TestOpenGivesUp(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	rd := comm.NewRemoteDevice(addr, false)
	rd.Timeout = 200 * time.Millisecond
	start := time.Now()
	assert.Error(t, rd.Open())
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestSerialConfDefaults(t *testing.T) {
	rd := comm.RemoteDevice{Addr: "/dev/ttyUSB0", IsSerial: true}
	conf := rd.SerialConf()
	assert.Equal(t, comm.DefaultBaud, conf.Baud)
	assert.Equal(t, comm.DefaultTimeout, conf.ReadTimeout)
	assert.Equal(t, "/dev/ttyUSB0", conf.Name)
}
