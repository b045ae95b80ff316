package rcon

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// Packet types of the Source RCON protocol spoken by the game server
const (
	packetResponse = 0
	packetCommand  = 2
	packetAuth     = 3

	maxPacketSize = 4096 + 10 // largest body the server sends plus header
	authFailedID  = -1
)

// errAuthFailed is returned by Dial when the server rejects the password
var errAuthFailed = errors.New("rcon authentication failed")

// Client is a single authenticated RCON connection. It is not safe for
// concurrent use; Channel serializes access to it.
type Client struct {
	conn    net.Conn
	reader  *bufio.Reader
	timeout time.Duration
	nextID  int32
}

// Dial connects to address and authenticates with password
func Dial(address, password string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", address, err)
	}

	c := &Client{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		timeout: timeout,
		nextID:  1,
	}

	id := c.allocID()
	if err := c.writePacket(id, packetAuth, password); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending auth: %w", err)
	}

	// Some servers send an empty response value before the auth response
	for {
		respID, respType, _, err := c.readPacket()
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("reading auth response: %w", err)
		}
		if respID == authFailedID {
			conn.Close()
			return nil, errAuthFailed
		}
		if respType == packetCommand && respID == id { // auth response shares type 2
			return c, nil
		}
	}
}

// Execute sends a command and returns the server's response body
func (c *Client) Execute(command string) (string, error) {
	id := c.allocID()
	if err := c.writePacket(id, packetCommand, command); err != nil {
		return "", fmt.Errorf("sending command: %w", err)
	}

	for {
		respID, respType, body, err := c.readPacket()
		if err != nil {
			return "", fmt.Errorf("reading response: %w", err)
		}
		if respID == id && respType == packetResponse {
			return body, nil
		}
		// Stale or unrelated packet, keep reading until ours arrives
	}
}

// Close closes the underlying connection
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) allocID() int32 {
	id := c.nextID
	c.nextID++
	if c.nextID <= 0 {
		c.nextID = 1
	}
	return id
}

// writePacket frames: <int32 size><int32 id><int32 type><body>\x00\x00
func (c *Client) writePacket(id, packetType int32, body string) error {
	var buf bytes.Buffer
	size := int32(4 + 4 + len(body) + 2)
	binary.Write(&buf, binary.LittleEndian, size)
	binary.Write(&buf, binary.LittleEndian, id)
	binary.Write(&buf, binary.LittleEndian, packetType)
	buf.WriteString(body)
	buf.Write([]byte{0, 0})

	c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	_, err := c.conn.Write(buf.Bytes())
	return err
}

func (c *Client) readPacket() (id, packetType int32, body string, err error) {
	c.conn.SetReadDeadline(time.Now().Add(c.timeout))

	var size int32
	if err := binary.Read(c.reader, binary.LittleEndian, &size); err != nil {
		return 0, 0, "", err
	}
	if size < 10 || size > maxPacketSize {
		return 0, 0, "", fmt.Errorf("invalid packet size %d", size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(c.reader, payload); err != nil {
		return 0, 0, "", err
	}

	id = int32(binary.LittleEndian.Uint32(payload[0:4]))
	packetType = int32(binary.LittleEndian.Uint32(payload[4:8]))
	body = string(bytes.TrimRight(payload[8:], "\x00"))
	return id, packetType, body, nil
}
