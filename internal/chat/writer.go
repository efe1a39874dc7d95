package chat

import (
	"bufio"
	"net"
	"time"
)

// flushTimeout bounds how long a closing session may spend writing what is
// still queued.
const flushTimeout = 2 * time.Second

// startOutboundWriter drains out onto conn. Once done is closed it writes
// whatever is still queued and closes conn. A write failure closes conn so
// the owning read loop observes the disconnect.
func startOutboundWriter(conn net.Conn, out <-chan string, done <-chan struct{}) {
	go func() {
		defer conn.Close()
		w := bufio.NewWriter(conn)
		write := func(msg string) bool {
			if _, err := w.WriteString(msg + "\n"); err != nil {
				return false
			}
			return w.Flush() == nil
		}
		for {
			select {
			case msg := <-out:
				if !write(msg) {
					return
				}
			case <-done:
				_ = conn.SetWriteDeadline(time.Now().Add(flushTimeout))
				for {
					select {
					case msg := <-out:
						if !write(msg) {
							return
						}
					default:
						return
					}
				}
			}
		}
	}()
}
