package dropbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"
)

func TestMoveWithSidecarsMovesBoth(t *testing.T) {
	var moves [][2]string
	var createdFolders []string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/2/files/create_folder_v2":
			var args map[string]any
			json.NewDecoder(r.Body).Decode(&args)
			createdFolders = append(createdFolders, args["path"].(string))
			fmt.Fprint(w, `{"metadata":{"name":"archive"}}`)
		case "/2/files/move_v2":
			var args map[string]any
			json.NewDecoder(r.Body).Decode(&args)
			moves = append(moves, [2]string{args["from_path"].(string), args["to_path"].(string)})
			fmt.Fprint(w, `{"metadata":{".tag":"file"}}`)
		default:
			t.Errorf("unexpected path %q", r.URL.Path)
		}
	})

	c := newTestClient(t, handler)
	if err := c.MoveWithSidecars(context.Background(), "/photos", "a.jpg", "archive"); err != nil {
		t.Fatalf("MoveWithSidecars() error = %v", err)
	}

	if len(createdFolders) != 1 || createdFolders[0] != "/photos/archive" {
		t.Errorf("createdFolders = %v", createdFolders)
	}
	want := [][2]string{
		{"/photos/a.jpg", "/photos/archive/a.jpg"},
		{"/photos/a.txt", "/photos/archive/a.txt"},
	}
	if len(moves) != len(want) {
		t.Fatalf("moves = %v, want %v", moves, want)
	}
	for i := range want {
		if moves[i] != want[i] {
			t.Errorf("move[%d] = %v, want %v", i, moves[i], want[i])
		}
	}
}

func TestMoveWithSidecarsSwallowsMissingSidecar(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/2/files/create_folder_v2":
			fmt.Fprint(w, `{"metadata":{}}`)
		case "/2/files/move_v2":
			var args map[string]any
			json.NewDecoder(r.Body).Decode(&args)
			from := args["from_path"].(string)
			if from == "/photos/a.txt" {
				w.WriteHeader(http.StatusConflict)
				io.WriteString(w, `{"error_summary":"from_lookup/not_found/.."}`)
				return
			}
			fmt.Fprint(w, `{"metadata":{}}`)
		}
	})

	c := newTestClient(t, handler)
	if err := c.MoveWithSidecars(context.Background(), "/photos", "a.jpg", "archive"); err != nil {
		t.Fatalf("MoveWithSidecars() error = %v", err)
	}
}

func TestEnsureFolderTreatsConflictAsSuccess(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		io.WriteString(w, `{"error_summary":"path/conflict/folder/.."}`)
	})
	c := newTestClient(t, handler)
	if err := c.EnsureFolder(context.Background(), "/photos/archive"); err != nil {
		t.Fatalf("EnsureFolder() error = %v", err)
	}
}

func TestWriteSidecarTextUploadsOverwrite(t *testing.T) {
	var gotArg map[string]any
	var gotBody []byte
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/2/files/upload" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/octet-stream" {
			t.Errorf("Content-Type = %q", ct)
		}
		json.Unmarshal([]byte(r.Header.Get("Dropbox-API-Arg")), &gotArg)
		gotBody, _ = io.ReadAll(r.Body)
		fmt.Fprint(w, `{"name":"a.txt"}`)
	})

	c := newTestClient(t, handler)
	text := "caption line\n# ---\n# photo_description: a pier\n"
	if err := c.WriteSidecarText(context.Background(), "/photos", "a", text); err != nil {
		t.Fatalf("WriteSidecarText() error = %v", err)
	}
	if gotArg["path"] != "/photos/a.txt" {
		t.Errorf("path = %v, want /photos/a.txt", gotArg["path"])
	}
	if gotArg["mode"] != "overwrite" {
		t.Errorf("mode = %v, want overwrite", gotArg["mode"])
	}
	if string(gotBody) != text {
		t.Errorf("body = %q, want %q", gotBody, text)
	}
}

func TestReadSidecarTextMissingIsNotError(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		io.WriteString(w, `{"error_summary":"path/not_found/.."}`)
	})
	c := newTestClient(t, handler)
	text, ok, err := c.ReadSidecarText(context.Background(), "/photos", "a")
	if err != nil {
		t.Fatalf("ReadSidecarText() error = %v", err)
	}
	if ok || text != "" {
		t.Errorf("got (%q, %v), want empty miss", text, ok)
	}
}

func TestReadSidecarTextRoundTrip(t *testing.T) {
	content := "a caption\n# ---\n# keywords: sea, pier\n"
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var arg map[string]any
		json.Unmarshal([]byte(r.Header.Get("Dropbox-API-Arg")), &arg)
		if arg["path"] != "/photos/a.txt" {
			t.Errorf("path = %v", arg["path"])
		}
		io.WriteString(w, content)
	})
	c := newTestClient(t, handler)
	text, ok, err := c.ReadSidecarText(context.Background(), "/photos", "a")
	if err != nil {
		t.Fatalf("ReadSidecarText() error = %v", err)
	}
	if !ok {
		t.Fatal("ok = false, want true")
	}
	if text != content {
		t.Errorf("text = %q, want %q", text, content)
	}
}

func TestStateJSONRoundTrip(t *testing.T) {
	stored := map[string][]byte{}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var arg map[string]any
		json.Unmarshal([]byte(r.Header.Get("Dropbox-API-Arg")), &arg)
		path, _ := arg["path"].(string)
		switch r.URL.Path {
		case "/2/files/upload":
			body, _ := io.ReadAll(r.Body)
			stored[path] = body
			fmt.Fprint(w, `{"name":"posted.json"}`)
		case "/2/files/download":
			data, ok := stored[path]
			if !ok {
				w.WriteHeader(http.StatusConflict)
				io.WriteString(w, `{"error_summary":"path/not_found/.."}`)
				return
			}
			w.Write(data)
		}
	})

	c := newTestClient(t, handler)
	ctx := context.Background()

	_, ok, err := c.ReadStateJSON(ctx, "/photos", "posted.json")
	if err != nil {
		t.Fatalf("ReadStateJSON() error = %v", err)
	}
	if ok {
		t.Fatal("ok = true before any write")
	}

	payload := []byte(`{"sha256_hashes":["ab"],"dropbox_content_hashes":["cd"]}`)
	if err := c.WriteStateJSON(ctx, "/photos", "posted.json", payload); err != nil {
		t.Fatalf("WriteStateJSON() error = %v", err)
	}

	data, ok, err := c.ReadStateJSON(ctx, "/photos", "posted.json")
	if err != nil {
		t.Fatalf("ReadStateJSON() error = %v", err)
	}
	if !ok {
		t.Fatal("ok = false after write")
	}
	if string(data) != string(payload) {
		t.Errorf("data = %s, want %s", data, payload)
	}
}
