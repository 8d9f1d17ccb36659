package cloud

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const testToken = "test-token"

// fakeAPI is an in-memory implementation of the API endpoints the host
// uses. Listings are paged to exercise cursors.
type fakeAPI struct {
	srv      *httptest.Server
	pageSize int

	mu       sync.Mutex
	files    map[string][]byte
	dirs     map[string]bool
	sessions map[string][]byte
	used     int64

	lists   atomic.Int32
	down    atomic.Bool  // answer every call with 503
	refused atomic.Int32 // calls answered while down
	faults  sync.Map     // endpoint -> *atomic.Int32 of 503 replies still due
	calls   sync.Map // endpoint -> *atomic.Int32
	nextID  atomic.Int32
	modTime time.Time
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	api := &fakeAPI{
		pageSize: 2,
		files:    make(map[string][]byte),
		dirs:     map[string]bool{"/": true},
		sessions: make(map[string][]byte),
		modTime:  time.Date(2023, time.May, 4, 10, 0, 0, 0, time.UTC),
	}
	api.srv = httptest.NewServer(http.HandlerFunc(api.serve))
	t.Cleanup(api.srv.Close)
	return api
}

func (a *fakeAPI) putFile(p, content string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.files[p] = []byte(content)
}

func (a *fakeAPI) mkdir(p string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dirs[p] = true
}

func (a *fakeAPI) file(p string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.files[p]
	return string(b), ok
}

// failNext answers the next n calls of endpoint with 503.
func (a *fakeAPI) failNext(endpoint string, n int32) {
	v := new(atomic.Int32)
	v.Store(n)
	a.faults.Store(endpoint, v)
}

func (a *fakeAPI) count(endpoint string) int32 {
	v, ok := a.calls.Load(endpoint)
	if !ok {
		return 0
	}
	return v.(*atomic.Int32).Load()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func apiFail(w http.ResponseWriter, status int, summary string) {
	writeJSON(w, status, map[string]string{"error_summary": summary})
}

func notFound(w http.ResponseWriter) { apiFail(w, http.StatusConflict, "path/not_found/..") }

func hostPath(p string) string {
	if p == "" {
		return "/"
	}
	return path.Clean(p)
}

// metaLocked describes p. Must be called with mu held.
func (a *fakeAPI) metaLocked(p string) (metadata, bool) {
	if b, ok := a.files[p]; ok {
		return metadata{Tag: "file", Name: path.Base(p), PathDisplay: p, Size: int64(len(b)),
			ClientModified: a.modTime, ServerModified: a.modTime}, true
	}
	if a.dirs[p] && p != "/" {
		return metadata{Tag: "folder", Name: path.Base(p), PathDisplay: p}, true
	}
	return metadata{}, false
}

// childrenLocked lists dir in name order. Must be called with mu held.
func (a *fakeAPI) childrenLocked(dir string) []metadata {
	var out []metadata
	add := func(p string) {
		if p != dir && path.Dir(p) == dir {
			md, _ := a.metaLocked(p)
			out = append(out, md)
		}
	}
	for p := range a.files {
		add(p)
	}
	for p := range a.dirs {
		add(p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (a *fakeAPI) page(w http.ResponseWriter, dir string, offset int) {
	a.mu.Lock()
	all := a.childrenLocked(dir)
	a.mu.Unlock()
	end := offset + a.pageSize
	if end > len(all) {
		end = len(all)
	}
	writeJSON(w, http.StatusOK, listFolderResult{
		Entries: all[offset:end],
		Cursor:  dir + "|" + strconv.Itoa(end),
		HasMore: end < len(all),
	})
}

func (a *fakeAPI) serve(w http.ResponseWriter, r *http.Request) {
	endpoint := strings.TrimPrefix(r.URL.Path, "/2/")
	v, _ := a.calls.LoadOrStore(endpoint, new(atomic.Int32))
	v.(*atomic.Int32).Add(1)

	if v, ok := a.faults.Load(endpoint); ok && v.(*atomic.Int32).Add(-1) >= 0 {
		apiFail(w, http.StatusServiceUnavailable, "")
		return
	}
	if a.down.Load() {
		a.refused.Add(1)
		apiFail(w, http.StatusServiceUnavailable, "")
		return
	}
	if r.Header.Get("Authorization") != "Bearer "+testToken {
		apiFail(w, http.StatusUnauthorized, "invalid_access_token/..")
		return
	}
	var arg map[string]interface{}
	if h := r.Header.Get("Dropbox-API-Arg"); h != "" {
		if err := json.Unmarshal([]byte(h), &arg); err != nil {
			apiFail(w, http.StatusBadRequest, "")
			return
		}
	} else if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&arg); err != nil {
			apiFail(w, http.StatusBadRequest, "")
			return
		}
	}
	str := func(k string) string { s, _ := arg[k].(string); return s }

	switch endpoint {
	case "files/list_folder":
		a.lists.Add(1)
		dir := hostPath(str("path"))
		a.mu.Lock()
		_, isFile := a.files[dir]
		isDir := a.dirs[dir]
		a.mu.Unlock()
		switch {
		case isFile:
			apiFail(w, http.StatusConflict, "path/not_folder/..")
		case !isDir:
			notFound(w)
		default:
			a.page(w, dir, 0)
		}
	case "files/list_folder/continue":
		dir, off, _ := strings.Cut(str("cursor"), "|")
		n, _ := strconv.Atoi(off)
		a.page(w, dir, n)
	case "files/get_metadata":
		a.mu.Lock()
		md, ok := a.metaLocked(hostPath(str("path")))
		a.mu.Unlock()
		if !ok {
			notFound(w)
			return
		}
		writeJSON(w, http.StatusOK, md)
	case "files/create_folder_v2":
		p := hostPath(str("path"))
		a.mu.Lock()
		md, exists := a.metaLocked(p)
		if !exists {
			a.dirs[p] = true
			md, _ = a.metaLocked(p)
		}
		a.mu.Unlock()
		if exists {
			apiFail(w, http.StatusConflict, "path/conflict/folder/..")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"metadata": md})
	case "files/delete_v2":
		p := hostPath(str("path"))
		a.mu.Lock()
		md, ok := a.metaLocked(p)
		for k := range a.files {
			if k == p || strings.HasPrefix(k, p+"/") {
				delete(a.files, k)
			}
		}
		for k := range a.dirs {
			if k == p || strings.HasPrefix(k, p+"/") {
				delete(a.dirs, k)
			}
		}
		a.mu.Unlock()
		if !ok {
			apiFail(w, http.StatusConflict, "path_lookup/not_found/..")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"metadata": md})
	case "files/move_v2":
		from, to := hostPath(str("from_path")), hostPath(str("to_path"))
		a.mu.Lock()
		_, ok := a.metaLocked(from)
		_, clash := a.metaLocked(to)
		if ok && !clash {
			if b, isFile := a.files[from]; isFile {
				a.files[to] = b
				delete(a.files, from)
			} else {
				delete(a.dirs, from)
				a.dirs[to] = true
			}
		}
		a.mu.Unlock()
		switch {
		case !ok:
			apiFail(w, http.StatusConflict, "from_lookup/not_found/..")
		case clash:
			apiFail(w, http.StatusConflict, "to/conflict/file/..")
		default:
			writeJSON(w, http.StatusOK, map[string]interface{}{})
		}
	case "users/get_space_usage":
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"used":       a.used,
			"allocation": map[string]interface{}{".tag": "individual", "allocated": int64(2 << 30)},
		})
	case "files/download":
		a.mu.Lock()
		b, ok := a.files[hostPath(str("path"))]
		a.mu.Unlock()
		if !ok {
			notFound(w)
			return
		}
		status := http.StatusOK
		if rng := r.Header.Get("Range"); rng != "" {
			var off int
			if _, err := fmt.Sscanf(rng, "bytes=%d-", &off); err != nil || off > len(b) {
				apiFail(w, http.StatusRequestedRangeNotSatisfiable, "")
				return
			}
			b = b[off:]
			status = http.StatusPartialContent
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(b)))
		w.WriteHeader(status)
		_, _ = w.Write(b)
	case "files/upload":
		body, _ := io.ReadAll(r.Body)
		p := hostPath(str("path"))
		a.mu.Lock()
		a.files[p] = body
		md, _ := a.metaLocked(p)
		a.mu.Unlock()
		writeJSON(w, http.StatusOK, md)
	case "files/upload_session/start":
		body, _ := io.ReadAll(r.Body)
		id := "session-" + strconv.Itoa(int(a.nextID.Add(1)))
		a.mu.Lock()
		a.sessions[id] = body
		a.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]string{"session_id": id})
	case "files/upload_session/append_v2", "files/upload_session/finish":
		body, _ := io.ReadAll(r.Body)
		cursor, _ := arg["cursor"].(map[string]interface{})
		id, _ := cursor["session_id"].(string)
		offset, _ := cursor["offset"].(float64)
		a.mu.Lock()
		data, ok := a.sessions[id]
		if ok && int(offset) != len(data) {
			a.mu.Unlock()
			apiFail(w, http.StatusConflict, "incorrect_offset/..")
			return
		}
		data = append(data, body...)
		a.sessions[id] = data
		var md metadata
		if endpoint == "files/upload_session/finish" && ok {
			commit, _ := arg["commit"].(map[string]interface{})
			p, _ := commit["path"].(string)
			a.files[hostPath(p)] = data
			delete(a.sessions, id)
			md, _ = a.metaLocked(hostPath(p))
		}
		a.mu.Unlock()
		if !ok {
			apiFail(w, http.StatusConflict, "lookup_failed/not_found/..")
			return
		}
		if endpoint == "files/upload_session/finish" {
			writeJSON(w, http.StatusOK, md)
			return
		}
		writeJSON(w, http.StatusOK, nil)
	default:
		apiFail(w, http.StatusNotFound, "")
	}
}
