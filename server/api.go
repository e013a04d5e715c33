package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/loadops/stampede/namegen"
	"github.com/loadops/stampede/plan"
	"github.com/loadops/stampede/server/log"
	"github.com/loadops/stampede/store"
)

type triggerRequest struct {
	Planfile string            `json:"planfile"`
	Params   map[string]string `json:"params,omitempty"`
}

type triggerResponse struct {
	Run namegen.ID `json:"run"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type healthResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	Commit    string    `json:"commit"`
	StartedAt time.Time `json:"started_at"`
}

func newMux(runStore *store.RunStore) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /runs", func(w http.ResponseWriter, r *http.Request) {
		var req triggerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		p, err := plan.Parse(req.Planfile, plan.ReadOptions{Params: req.Params})
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}

		id, err := broker.Trigger(p)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}

		log.Info("Run triggered", "run", id, "plan", p.Name)
		writeJSON(w, http.StatusAccepted, triggerResponse{Run: id})
	})

	mux.HandleFunc("GET /runs", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, broker.List())
	})

	mux.HandleFunc("GET /runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := namegen.ID(r.PathValue("id"))
		run, err := broker.Status(id)
		if err != nil {
			// Finished runs from previous lives of the server only exist in
			// the store.
			if run, storeErr := runStore.Get(id); storeErr == nil {
				writeJSON(w, http.StatusOK, run)
				return
			}
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, run)
	})

	mux.HandleFunc("DELETE /runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := namegen.ID(r.PathValue("id"))
		if err := broker.Abort(id); err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		log.Info("Run abort requested", "run", id)
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("GET /runs/{id}/results", func(w http.ResponseWriter, r *http.Request) {
		id := namegen.ID(r.PathValue("id"))
		if !runExists(runStore, id) {
			writeError(w, http.StatusNotFound, fmt.Errorf("unknown run '%s'", id))
			return
		}

		root := filepath.Join(resultsDir(), string(id))
		files := []string{}
		_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			// A run without results lists as empty
			if err != nil || d.IsDir() {
				return nil
			}
			if rel, err := filepath.Rel(root, p); err == nil {
				files = append(files, filepath.ToSlash(rel))
			}
			return nil
		})
		writeJSON(w, http.StatusOK, files)
	})

	mux.HandleFunc("GET /runs/{id}/results/{file...}", func(w http.ResponseWriter, r *http.Request) {
		id := namegen.ID(r.PathValue("id"))
		root := filepath.Join(resultsDir(), string(id))

		file := filepath.Join(root, filepath.FromSlash(r.PathValue("file")))
		if !strings.HasPrefix(file, root+string(filepath.Separator)) {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid result path"))
			return
		}
		http.ServeFile(w, r, file)
	})

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, healthResponse{
			Status:    "ok",
			Version:   version,
			Commit:    commit,
			StartedAt: started,
		})
	})

	return mux
}

func runExists(runStore *store.RunStore, id namegen.ID) bool {
	if _, err := broker.Status(id); err == nil {
		return true
	}
	_, err := runStore.Get(id)
	return err == nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	var unmarshalErr plan.UnmarshalError
	if errors.As(err, &unmarshalErr) {
		err = unmarshalErr
	}
	writeJSON(w, status, errorResponse{Error: strings.TrimSpace(err.Error())})
}
