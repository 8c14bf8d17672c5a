package node

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"
)

// apiResponse is the uniform JSON body every control endpoint replies with,
// per spec.md §6.
type apiResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func writeAPIResponse(w http.ResponseWriter, status int, resp apiResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// HTTPAPI serves the node's control surface: start/stop the miner, and
// trigger a network-wide ping. Grounded on stdlib net/http directly — none
// of the example repos exercise their RPC/HTTP dependencies (wtran29's
// httptreemux import is unused dead weight in its go.mod; xbee-dex's
// net/rpc server answers a different, non-REST shape) against a control
// surface this small, so there is no concrete ecosystem idiom to follow
// here beyond the standard library's own ServeMux.
type HTTPAPI struct {
	miner *Miner
	net   *Network
	log   *zap.Logger

	mux *http.ServeMux
}

func NewHTTPAPI(miner *Miner, net *Network, log *zap.Logger) *HTTPAPI {
	if log == nil {
		log = zap.NewNop()
	}
	api := &HTTPAPI{miner: miner, net: net, log: log, mux: http.NewServeMux()}
	api.mux.HandleFunc("/miner/start", api.handleMinerStart)
	api.mux.HandleFunc("/miner/end", api.handleMinerEnd)
	api.mux.HandleFunc("/network/ping", api.handleNetworkPing)
	api.mux.HandleFunc("/", api.handleNotFound)
	return api
}

func (api *HTTPAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	api.mux.ServeHTTP(w, r)
}

// handleMinerStart starts the miner's four PoW tasks, reading lambda (the
// mean inter-attempt delay in milliseconds) from the query string; an
// absent or unparsable lambda defaults to 0 (no throttling).
func (api *HTTPAPI) handleMinerStart(w http.ResponseWriter, r *http.Request) {
	lambda, _ := strconv.ParseUint(r.URL.Query().Get("lambda"), 10, 64)
	api.miner.Start(lambda)
	writeAPIResponse(w, http.StatusOK, apiResponse{Success: true, Message: "ok"})
}

func (api *HTTPAPI) handleMinerEnd(w http.ResponseWriter, r *http.Request) {
	api.miner.Stop()
	writeAPIResponse(w, http.StatusOK, apiResponse{Success: true, Message: "ok"})
}

func (api *HTTPAPI) handleNetworkPing(w http.ResponseWriter, r *http.Request) {
	api.net.BroadcastPing()
	writeAPIResponse(w, http.StatusOK, apiResponse{Success: true, Message: "ok"})
}

func (api *HTTPAPI) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeAPIResponse(w, http.StatusNotFound, apiResponse{Success: false, Message: "endpoint not found"})
}
