package rpc

import (
	"net/rpc"
	"sync"

	"github.com/cockroachdb/errors"
)

// block is what the client remembers about an allocation
type block struct {
	size uint64
	tag  string
}

// Client represents a kalloc client
type Client struct {
	id        int
	client    *rpc.Client
	allocated map[uint64]block // start -> block
	mu        sync.Mutex
}

// NewClient creates a new kalloc client
func NewClient(id int, address string) (*Client, error) {
	client, err := rpc.Dial("tcp", address)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to server")
	}

	return &Client{
		id:        id,
		client:    client,
		allocated: make(map[uint64]block),
	}, nil
}

func (c *Client) call(method string, req, resp interface{}) error {
	if err := c.client.Call(ServiceName+"."+method, req, resp); err != nil {
		return errors.Wrapf(err, "client %d: %s call failed", c.id, method)
	}
	return nil
}

func serverError(msg string) error {
	if msg == "" {
		return nil
	}
	return errors.Newf("server error: %s", msg)
}

func (c *Client) allocate(req *AllocRequest) (uint64, error) {
	resp := &AllocResponse{}
	if err := c.call("Allocate", req, resp); err != nil {
		return 0, err
	}
	if err := serverError(resp.Error); err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.allocated[resp.Start] = block{size: req.Size, tag: req.Tag}
	c.mu.Unlock()
	return resp.Start, nil
}

// Allocate allocates memory through the server
func (c *Client) Allocate(size uint64) (uint64, error) {
	return c.allocate(&AllocRequest{Size: size})
}

// AllocateNoBlock allocates memory through the server without blocking
func (c *Client) AllocateNoBlock(size uint64) (uint64, error) {
	return c.allocate(&AllocRequest{Size: size, NoBlock: true})
}

// AllocateTagged allocates memory under a tag created with CreateTag
func (c *Client) AllocateTagged(size uint64, tag string) (uint64, error) {
	return c.allocate(&AllocRequest{Size: size, Tag: tag})
}

// Free frees memory through the server
func (c *Client) Free(start uint64, size uint64) error {
	return c.free(&FreeRequest{Start: start, Size: size})
}

// FreeTagged frees memory allocated with AllocateTagged
func (c *Client) FreeTagged(start, size uint64, tag string) error {
	return c.free(&FreeRequest{Start: start, Size: size, Tag: tag})
}

// FreeBlock frees memory this client allocated, supplying the size and
// tag it was allocated with.
func (c *Client) FreeBlock(start uint64) error {
	c.mu.Lock()
	b, ok := c.allocated[start]
	c.mu.Unlock()
	if !ok {
		return errors.Newf("client %d: %#x was not allocated by this client", c.id, start)
	}
	return c.free(&FreeRequest{Start: start, Size: b.size, Tag: b.tag})
}

func (c *Client) free(req *FreeRequest) error {
	resp := &FreeResponse{}
	if err := c.call("Free", req, resp); err != nil {
		return err
	}
	if err := serverError(resp.Error); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.allocated, req.Start)
	c.mu.Unlock()
	return nil
}

// CreateTag creates a tag on the server
func (c *Client) CreateTag(name string, pageable bool) error {
	resp := &TagResponse{}
	if err := c.call("CreateTag", &TagRequest{Name: name, Pageable: pageable}, resp); err != nil {
		return err
	}
	return serverError(resp.Error)
}

// ReleaseTag releases a tag on the server
func (c *Client) ReleaseTag(name string) error {
	resp := &TagResponse{}
	if err := c.call("ReleaseTag", &TagRequest{Name: name}, resp); err != nil {
		return err
	}
	return serverError(resp.Error)
}

// Stats fetches allocator statistics
func (c *Client) Stats() (*StatsResponse, error) {
	resp := &StatsResponse{}
	if err := c.call("Stats", &StatsRequest{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Outstanding returns the number of blocks this client has not freed
func (c *Client) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.allocated)
}

// Close closes the client connection
func (c *Client) Close() error {
	return c.client.Close()
}
