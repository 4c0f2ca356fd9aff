package server

import (
	"strings"
	"sync"

	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-portal/types"
	"github.com/saiset-co/sai-portal/utils"
)

var methodIndex = map[string]uint8{
	fasthttp.MethodGet:     0,
	fasthttp.MethodPost:    1,
	fasthttp.MethodPut:     2,
	fasthttp.MethodDelete:  3,
	fasthttp.MethodPatch:   4,
	fasthttp.MethodHead:    5,
	fasthttp.MethodOptions: 6,
}

var methodNames = []string{
	fasthttp.MethodGet,
	fasthttp.MethodPost,
	fasthttp.MethodPut,
	fasthttp.MethodDelete,
	fasthttp.MethodPatch,
	fasthttp.MethodHead,
	fasthttp.MethodOptions,
}

const (
	flagIsLeaf    uint8 = 1 << 0
	flagHasParam  uint8 = 1 << 1
	flagHasStatic uint8 = 1 << 2
)

// FastHTTPRouter serves static paths from a map and {param} paths from a segment trie.
// Matched parameters are stored as request user values under their names.
type FastHTTPRouter struct {
	root         *RouteNode
	staticRoutes map[string]*types.RouteInfo
	mu           sync.RWMutex
}

type RouteNode struct {
	staticChildren map[string]*RouteNode
	paramChild     *RouteNode
	paramName      string
	methodMask     uint8
	handlers       [7]types.FastHTTPHandler
	configs        [7]*types.RouteConfig
	flags          uint8
}

func NewFastHTTPRouter() *FastHTTPRouter {
	return &FastHTTPRouter{
		root:         newNode(),
		staticRoutes: make(map[string]*types.RouteInfo),
	}
}

func newNode() *RouteNode {
	return &RouteNode{staticChildren: make(map[string]*RouteNode)}
}

func (r *FastHTTPRouter) Add(method, path string, handler types.FastHTTPHandler, config *types.RouteConfig) {
	methodIdx, exists := methodIndex[method]
	if !exists || handler == nil {
		return
	}

	if config == nil {
		config = &types.RouteConfig{}
	}

	path = normalizePath(path)

	r.mu.Lock()
	defer r.mu.Unlock()

	if !strings.Contains(path, "{") {
		r.staticRoutes[method+":"+path] = &types.RouteInfo{
			Handler: handler,
			Config:  config,
		}
		return
	}

	node := r.root
	for _, segment := range splitPath(path) {
		if isParam(segment) {
			if node.paramChild == nil {
				node.paramChild = newNode()
				node.paramChild.paramName = segment[1 : len(segment)-1]
				node.flags |= flagHasParam
			}
			node = node.paramChild
			continue
		}

		child, ok := node.staticChildren[segment]
		if !ok {
			child = newNode()
			node.staticChildren[segment] = child
			node.flags |= flagHasStatic
		}
		node = child
	}

	node.flags |= flagIsLeaf
	node.handlers[methodIdx] = handler
	node.configs[methodIdx] = config
	node.methodMask |= 1 << methodIdx
}

// Lookup resolves a request to its route. allowed reports whether the path
// exists under some other method when no handler was found.
func (r *FastHTTPRouter) Lookup(ctx *fasthttp.RequestCtx) (handler types.FastHTTPHandler, config *types.RouteConfig, allowed bool) {
	method := utils.BytesToString(ctx.Method())
	path := normalizePath(string(ctx.Path()))

	methodIdx, known := methodIndex[method]

	r.mu.RLock()
	defer r.mu.RUnlock()

	if known {
		if info := r.staticRoutes[method+":"+path]; info != nil {
			return info.Handler, info.Config, true
		}
	}

	params := make(map[string]string, 2)
	node := r.match(r.root, splitPath(path), params)
	if node == nil {
		for _, name := range methodNames {
			if r.staticRoutes[name+":"+path] != nil {
				return nil, nil, true
			}
		}
		return nil, nil, false
	}

	if !known || node.methodMask&(1<<methodIdx) == 0 {
		return nil, nil, true
	}

	for name, value := range params {
		ctx.SetUserValue(name, value)
	}

	return node.handlers[methodIdx], node.configs[methodIdx], true
}

func (r *FastHTTPRouter) match(node *RouteNode, segments []string, params map[string]string) *RouteNode {
	if len(segments) == 0 {
		if node.flags&flagIsLeaf != 0 {
			return node
		}
		return nil
	}

	segment := segments[0]

	if node.flags&flagHasStatic != 0 {
		if child, ok := node.staticChildren[segment]; ok {
			if found := r.match(child, segments[1:], params); found != nil {
				return found
			}
		}
	}

	if node.flags&flagHasParam != 0 {
		params[node.paramChild.paramName] = segment
		if found := r.match(node.paramChild, segments[1:], params); found != nil {
			return found
		}
		delete(params, node.paramChild.paramName)
	}

	return nil
}

func (r *FastHTTPRouter) Route(method, path string, handler types.FastHTTPHandler, config *types.RouteConfig) types.RouteBuilder {
	if config == nil {
		config = &types.RouteConfig{}
	}

	r.Add(method, path, handler, config)

	return &RouteBuilder{config: config}
}

func (r *FastHTTPRouter) Group(prefix string) types.GroupBuilder {
	return &GroupBuilder{
		router: r,
		prefix: prefix,
		config: &types.RouteConfig{},
	}
}

func (r *FastHTTPRouter) GET(path string, handler types.FastHTTPHandler) types.RouteBuilder {
	return r.Route(fasthttp.MethodGet, path, handler, nil)
}

func (r *FastHTTPRouter) POST(path string, handler types.FastHTTPHandler) types.RouteBuilder {
	return r.Route(fasthttp.MethodPost, path, handler, nil)
}

func (r *FastHTTPRouter) PUT(path string, handler types.FastHTTPHandler) types.RouteBuilder {
	return r.Route(fasthttp.MethodPut, path, handler, nil)
}

func (r *FastHTTPRouter) DELETE(path string, handler types.FastHTTPHandler) types.RouteBuilder {
	return r.Route(fasthttp.MethodDelete, path, handler, nil)
}

func (r *FastHTTPRouter) GetAllRoutes() map[string]*types.RouteInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	routes := make(map[string]*types.RouteInfo, len(r.staticRoutes))
	for key, info := range r.staticRoutes {
		routes[key] = info
	}

	r.collectTrieRoutes(r.root, "", routes)

	return routes
}

func (r *FastHTTPRouter) collectTrieRoutes(node *RouteNode, currentPath string, routes map[string]*types.RouteInfo) {
	if node.flags&flagIsLeaf != 0 {
		for methodIdx, methodName := range methodNames {
			if node.methodMask&(1<<methodIdx) != 0 {
				routes[methodName+":"+currentPath] = &types.RouteInfo{
					Handler: node.handlers[methodIdx],
					Config:  node.configs[methodIdx],
				}
			}
		}
	}

	for segment, child := range node.staticChildren {
		r.collectTrieRoutes(child, currentPath+"/"+segment, routes)
	}

	if node.paramChild != nil {
		r.collectTrieRoutes(node.paramChild, currentPath+"/{"+node.paramChild.paramName+"}", routes)
	}
}

func isParam(segment string) bool {
	return len(segment) > 2 && segment[0] == '{' && segment[len(segment)-1] == '}'
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	if path[0] != '/' {
		path = "/" + path
	}
	return strings.TrimRight(path, "/")
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
