// Package mcp implements the Model Context Protocol server for xylem
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/CanopyHQ/xylem/internal/config"
	"github.com/CanopyHQ/xylem/internal/logger"
	"github.com/CanopyHQ/xylem/internal/network"
	"github.com/CanopyHQ/xylem/internal/store"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

// Server implements the MCP protocol over stdio
type Server struct {
	store   *store.Store
	scanner *bufio.Scanner
	out     io.Writer
	cache   *lru.Cache[string, *network.Compiled]
	workers int
	log     *logger.Logger
	version string
}

// Stats contains statistics about the store and the compiled network cache
type Stats struct {
	Networks       int    `json:"networks"`
	DatabaseSize   string `json:"database_size"`
	LastActivity   string `json:"last_activity"`
	CachedNetworks int    `json:"cached_networks"`
}

// Option configures a Server.
type Option func(*Server)

// WithIO replaces stdin/stdout.
func WithIO(in io.Reader, out io.Writer) Option {
	return func(s *Server) {
		s.scanner = bufio.NewScanner(in)
		s.out = out
	}
}

// WithLogger sets the server's logger.
func WithLogger(l *logger.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithVersion sets the version reported by initialize.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// NewServer creates a new MCP server on the configured data directory.
func NewServer(opts ...Option) (*Server, error) {
	st, err := store.NewStore()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	s, err := New(st, opts...)
	if err != nil {
		st.Close()
		return nil, err
	}
	return s, nil
}

// New creates a server over an open store. The server owns the store from here on.
func New(st *store.Store, opts ...Option) (*Server, error) {
	cache, err := lru.New[string, *network.Compiled](config.CacheSize())
	if err != nil {
		return nil, fmt.Errorf("failed to create network cache: %w", err)
	}
	s := &Server{
		store:   st,
		scanner: bufio.NewScanner(os.Stdin),
		out:     os.Stdout,
		cache:   cache,
		workers: config.Workers(),
		log:     logger.Nop(),
		version: "dev",
	}
	for _, opt := range opts {
		opt(s)
	}
	s.scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	return s, nil
}

// Start begins the MCP server loop. It returns when input ends or ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.log.Info("xylem MCP server ready", "data_dir", s.store.Dir())

	lines := make(chan []byte)
	go func() {
		defer close(lines)
		for s.scanner.Scan() {
			line := append([]byte(nil), s.scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var line []byte
		var ok bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok = <-lines:
		}
		if !ok {
			return s.scanner.Err()
		}
		if len(line) == 0 {
			continue
		}

		var request JSONRPCRequest
		if err := json.Unmarshal(line, &request); err != nil {
			s.sendError(nil, codeParseError, "Parse error", err.Error())
			continue
		}

		s.handleRequest(ctx, &request)
	}
}

// Stop gracefully shuts down the server
func (s *Server) Stop() {
	if s.store != nil {
		s.store.Close()
	}
	s.cache.Purge()
}

// GetStats returns statistics about the store
func (s *Server) GetStats(ctx context.Context) Stats {
	count, _ := s.store.Count(ctx)
	size, _ := s.store.Size()
	last, _ := s.store.LastActivity(ctx)

	lastActivity := "never"
	if !last.IsZero() {
		lastActivity = last.Format(time.RFC3339)
	}
	return Stats{
		Networks:       count,
		DatabaseSize:   size,
		LastActivity:   lastActivity,
		CachedNetworks: s.cache.Len(),
	}
}

// compiled returns the network compiled at its current revision, reusing the cached
// engine when the revision has not moved. Entries are keyed by the stored row id so a
// network deleted and re-created under the same name never hits the old entry.
func (s *Server) compiled(ctx context.Context, name string) (*network.Compiled, error) {
	n, err := s.store.GetNetwork(ctx, name)
	if err != nil {
		return nil, err
	}
	if c, ok := s.cache.Get(cacheKey(n.ID, n.Revision)); ok {
		return c, nil
	}

	c, err := network.Open(ctx, s.store, name,
		network.WithConcurrency(s.workers),
		network.WithLogger(s.log.With("network", name)),
	)
	if err != nil {
		return nil, err
	}
	s.cache.Add(cacheKey(n.ID, c.Revision), c)
	s.log.Debug("network compiled", "network", name, "revision", c.Revision)
	return c, nil
}

func cacheKey(id string, revision int) string {
	return fmt.Sprintf("%s@%d", id, revision)
}

// handleRequest processes a JSON-RPC request
func (s *Server) handleRequest(ctx context.Context, req *JSONRPCRequest) {
	switch req.Method {
	case "initialize":
		s.handleInitialize(req)
	case "notifications/initialized":
	case "tools/list":
		s.handleToolsList(req)
	case "tools/call":
		s.handleToolCall(ctx, req)
	case "resources/list":
		s.handleResourcesList(req)
	case "resources/read":
		s.handleResourceRead(ctx, req)
	case "prompts/list":
		s.handlePromptsList(req)
	case "prompts/get":
		s.handlePromptsGet(ctx, req)
	default:
		s.sendError(req.ID, codeMethodNotFound, "Method not found", req.Method)
	}
}

// handleInitialize responds to the initialize request
func (s *Server) handleInitialize(req *JSONRPCRequest) {
	result := map[string]interface{}{
		"protocolVersion": "2024-11-05",
		"capabilities": map[string]interface{}{
			"tools":     map[string]interface{}{},
			"resources": map[string]interface{}{},
			"prompts":   map[string]interface{}{},
		},
		"serverInfo": map[string]interface{}{
			"name":    "xylem-mcp",
			"version": s.version,
		},
	}
	s.sendResult(req.ID, result)
}

// handleResourcesList returns available resources
func (s *Server) handleResourcesList(req *JSONRPCRequest) {
	resources := []map[string]interface{}{
		{
			"uri":         "xylem://networks",
			"name":        "Networks",
			"description": "Stored decision networks with their revision and observation count",
			"mimeType":    "application/json",
		},
		{
			"uri":         "xylem://stats",
			"name":        "Store Statistics",
			"description": "Statistics about the network store",
			"mimeType":    "application/json",
		},
		{
			"uri":         "xylem://decisions/recent",
			"name":        "Recent Decisions",
			"description": "The latest logged MEU, VPI and completion answers",
			"mimeType":    "application/json",
		},
	}
	s.sendResult(req.ID, map[string]interface{}{"resources": resources})
}

// handleResourceRead reads a resource
func (s *Server) handleResourceRead(ctx context.Context, req *JSONRPCRequest) {
	var params struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.sendError(req.ID, codeInvalidParams, "Invalid params", err.Error())
		return
	}

	var content interface{}
	var err error
	switch params.URI {
	case "xylem://networks":
		content, err = s.toolListNetworks(ctx)
	case "xylem://stats":
		content = s.GetStats(ctx)
	case "xylem://decisions/recent":
		content, err = s.toolDecisionHistory(ctx, map[string]interface{}{"limit": float64(10)})
	default:
		s.sendError(req.ID, codeInvalidParams, "Unknown resource", params.URI)
		return
	}
	if err != nil {
		s.sendError(req.ID, codeInternalError, "Internal error", err.Error())
		return
	}

	text, _ := json.MarshalIndent(content, "", "  ")
	s.sendResult(req.ID, map[string]interface{}{
		"contents": []map[string]interface{}{
			{
				"uri":      params.URI,
				"mimeType": "application/json",
				"text":     string(text),
			},
		},
	})
}

// handlePromptsList returns available prompts
func (s *Server) handlePromptsList(req *JSONRPCRequest) {
	prompts := []map[string]interface{}{
		{
			"name":        "advise",
			"description": "Ask for advice on a decision, grounded in the network's best choice and the value of learning more first",
			"arguments": []map[string]interface{}{
				{"name": "network", "description": "Stored network name", "required": true},
				{"name": "evidence", "description": "Known facts as NAME=STATE pairs, comma separated", "required": false},
			},
		},
	}
	s.sendResult(req.ID, map[string]interface{}{"prompts": prompts})
}

// handlePromptsGet returns the advise prompt with the engine's answer injected
func (s *Server) handlePromptsGet(ctx context.Context, req *JSONRPCRequest) {
	var params struct {
		Name      string            `json:"name"`
		Arguments map[string]string `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.sendError(req.ID, codeInvalidParams, "Invalid params", err.Error())
		return
	}
	if params.Name != "advise" {
		s.sendError(req.ID, codeInvalidParams, "Unknown prompt", params.Name)
		return
	}
	name := params.Arguments["network"]
	if name == "" {
		s.sendError(req.ID, codeInvalidParams, "Missing required argument", "network")
		return
	}
	evidence, err := network.ParseEvidence(params.Arguments["evidence"])
	if err != nil {
		s.sendError(req.ID, codeInvalidParams, "Invalid evidence", err.Error())
		return
	}

	text, err := s.buildAdvice(ctx, name, evidence)
	if err != nil {
		s.sendError(req.ID, codeInternalError, "Internal error", err.Error())
		return
	}
	s.sendResult(req.ID, map[string]interface{}{
		"description": "Decision advice from " + name,
		"messages": []map[string]interface{}{
			{
				"role":    "user",
				"content": map[string]interface{}{"type": "text", "text": text},
			},
		},
	})
}

// JSON-RPC types and helpers

type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (s *Server) sendResult(id interface{}, result interface{}) {
	s.write(JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: result})
}

func (s *Server) sendError(id interface{}, code int, message, data string) {
	s.write(JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &RPCError{Code: code, Message: message, Data: data},
	})
}

func (s *Server) write(resp JSONRPCResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("failed to encode response", "error", err)
		return
	}
	fmt.Fprintln(s.out, string(data))
}
