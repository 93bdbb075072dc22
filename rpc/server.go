package rpc

import (
	"net"
	"net/rpc"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/shenjiangwei/kalloc/kalloc"
	"github.com/shenjiangwei/kalloc/logger"
	"github.com/shenjiangwei/kalloc/tagalloc"
)

// ServiceName is the name the service registers under
const ServiceName = "Kalloc"

// Server exposes an allocator and its tag registry over net/rpc
type Server struct {
	allocator *kalloc.Allocator
	registry  *tagalloc.Registry
	rpc       *rpc.Server

	mu       sync.Mutex
	tags     map[string]*tagalloc.Tag
	listener net.Listener
}

// AllocRequest represents a memory allocation request
type AllocRequest struct {
	Size    uint64
	NoBlock bool
	Tag     string // empty for untagged allocations
}

// AllocResponse represents a memory allocation response
type AllocResponse struct {
	Start uint64
	Error string
}

// FreeRequest represents a memory free request
type FreeRequest struct {
	Start uint64
	Size  uint64
	Tag   string
}

// FreeResponse represents a memory free response
type FreeResponse struct {
	Error string
}

// TagRequest creates or releases a tag
type TagRequest struct {
	Name     string
	Pageable bool
}

// TagResponse reports the outcome of a tag request
type TagResponse struct {
	Error string
}

// StatsRequest asks for allocator statistics
type StatsRequest struct{}

// StatsResponse carries allocator statistics
type StatsResponse struct {
	Large        kalloc.LargeInfo
	FreeNopCount int64
	Tags         []string
}

// service is the receiver registered with net/rpc. It holds only the
// exported RPC methods.
type service struct {
	s *Server
}

// NewServer creates a server for a and r
func NewServer(a *kalloc.Allocator, r *tagalloc.Registry) (*Server, error) {
	s := &Server{
		allocator: a,
		registry:  r,
		rpc:       rpc.NewServer(),
		tags:      make(map[string]*tagalloc.Tag),
	}
	if err := s.rpc.RegisterName(ServiceName, &service{s: s}); err != nil {
		return nil, errors.Wrap(err, "registering rpc service")
	}
	return s, nil
}

// Start listens on address and serves until Close
func (s *Server) Start(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return errors.Wrap(err, "failed to start server")
	}
	return s.Serve(listener)
}

// Serve accepts connections on listener until Close
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	logger.Info("Server listening on %s", listener.Addr())
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			logger.Error("Failed to accept connection: %v", err)
			continue
		}
		go s.rpc.ServeConn(conn)
	}
}

// Close stops accepting connections and releases the tags clients created
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, tag := range s.tags {
		if tag.State() == tagalloc.Valid {
			tag.Release()
		}
		delete(s.tags, name)
	}
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

// lookupTagLocked finds a tag created through CreateTag. Released tags are
// found until their last allocation is freed.
func (s *Server) lookupTagLocked(name string) (*tagalloc.Tag, error) {
	tag, ok := s.tags[name]
	if !ok {
		return nil, errors.Newf("unknown tag %q", name)
	}
	return tag, nil
}

func (s *Server) allocate(req *AllocRequest) (uint64, error) {
	if req.Tag == "" {
		if req.NoBlock {
			return s.allocator.AllocNoBlock(req.Size)
		}
		return s.allocator.Alloc(req.Size)
	}

	// Tagged requests hold the lock so a concurrent ReleaseTag cannot
	// invalidate the tag between the check and the reference.
	s.mu.Lock()
	defer s.mu.Unlock()
	tag, err := s.lookupTagLocked(req.Tag)
	if err != nil {
		return 0, err
	}
	if tag.State() != tagalloc.Valid {
		return 0, errors.Newf("tag %q is %s", req.Tag, tag.State())
	}
	if req.NoBlock {
		return s.registry.MallocNoBlock(req.Size, tag)
	}
	return s.registry.Malloc(req.Size, tag)
}

func (s *Server) free(req *FreeRequest) error {
	if req.Tag == "" {
		return s.allocator.Free(req.Start, req.Size)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tag, err := s.lookupTagLocked(req.Tag)
	if err != nil {
		return err
	}
	if tag.Refs() < 2 && tag.State() == tagalloc.Valid {
		return errors.Newf("tag %q has no allocations", req.Tag)
	}
	if err := s.registry.Free(req.Start, req.Size, tag); err != nil {
		return err
	}
	if tag.State() == tagalloc.Collected {
		delete(s.tags, req.Tag)
	}
	return nil
}

// Allocate allocates memory, under a tag if one is named
func (v *service) Allocate(req *AllocRequest, resp *AllocResponse) error {
	start, err := v.s.allocate(req)
	if err != nil {
		resp.Error = err.Error()
		return nil
	}
	resp.Start = start
	return nil
}

// Free frees memory allocated by Allocate
func (v *service) Free(req *FreeRequest, resp *FreeResponse) error {
	if err := v.s.free(req); err != nil {
		resp.Error = err.Error()
	}
	return nil
}

// CreateTag creates a tag owned by the server
func (v *service) CreateTag(req *TagRequest, resp *TagResponse) error {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tags[req.Name]; ok {
		resp.Error = errors.Newf("tag %q exists", req.Name).Error()
		return nil
	}
	var flags tagalloc.Flags
	if req.Pageable {
		flags |= tagalloc.Pageable
	}
	tag, err := s.registry.Create(req.Name, flags)
	if err != nil {
		resp.Error = err.Error()
		return nil
	}
	s.tags[req.Name] = tag
	return nil
}

// ReleaseTag releases a tag. Allocations still holding it keep it alive
// until they are freed.
func (v *service) ReleaseTag(req *TagRequest, resp *TagResponse) error {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()

	tag, err := s.lookupTagLocked(req.Name)
	if err != nil {
		resp.Error = err.Error()
		return nil
	}
	if tag.State() != tagalloc.Valid {
		resp.Error = errors.Newf("tag %q is %s", req.Name, tag.State()).Error()
		return nil
	}
	tag.Release()
	if tag.State() == tagalloc.Collected {
		delete(s.tags, req.Name)
	}
	return nil
}

// Stats reports the large path and the live tags
func (v *service) Stats(req *StatsRequest, resp *StatsResponse) error {
	resp.Large = v.s.allocator.FakeZoneInfo()
	resp.FreeNopCount = v.s.allocator.FreeNopCount()
	resp.Tags = v.s.registry.Names()
	return nil
}
