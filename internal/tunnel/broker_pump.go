package tunnel

import "net"

// brokerReadBuf bounds a single read from the broker connection.
const brokerReadBuf = 32 * 1024

// brokerPump decouples reading the broker connection from whichever
// local connection currently receives those bytes. A worker's broker
// connection outlives any single local connection (the worker
// redials locally on its own, independent of the broker socket), so
// the pump is created once per worker and handed to every pipeOnce
// round.
//
// Back-pressure comes from the unbuffered chunks channel: if no round
// is currently pulling from the pump (the local side just closed and
// a fresh connection hasn't been dialed yet), the read goroutine
// blocks on the send and stops consuming the socket. Bytes already
// read for the next request are never discarded, only held until a
// round is ready for them - held back explicitly via unread if a
// round pulls a chunk but then finds it can't forward it after all.
type brokerPump struct {
	conn   net.Conn
	chunks chan []byte
	errc   chan error

	held []byte
}

func newBrokerPump(conn net.Conn) *brokerPump {
	p := &brokerPump{
		conn:   conn,
		chunks: make(chan []byte),
		errc:   make(chan error, 1),
	}
	go p.read()
	return p
}

func (p *brokerPump) read() {
	buf := make([]byte, brokerReadBuf)
	for {
		n, err := p.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			p.chunks <- chunk
		}
		if err != nil {
			p.errc <- err
			close(p.chunks)
			return
		}
	}
}

// next returns the next chunk of broker bytes. It returns (nil, nil)
// if stop fires before one arrives (the current round ended with
// nothing left to forward), or (nil, err) once the broker connection
// itself has ended.
func (p *brokerPump) next(stop <-chan struct{}) ([]byte, error) {
	if p.held != nil {
		chunk := p.held
		p.held = nil
		return chunk, nil
	}

	select {
	case chunk, ok := <-p.chunks:
		if !ok {
			return nil, <-p.errc
		}
		return chunk, nil
	case <-stop:
		return nil, nil
	}
}

// unread hands back a chunk next returned that the caller could not
// forward (the local connection it was meant for is already gone), so
// the next round sees it first instead of losing it.
func (p *brokerPump) unread(chunk []byte) {
	p.held = chunk
}
