package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	apiContext "fieldsync/internal/api/context"
	"fieldsync/internal/platform/auth"

	"github.com/julienschmidt/httprouter"
	"github.com/spf13/cast"
)

const maxBodyBytes = 1 << 20

func param(r *http.Request, name string) string {
	ps, _ := r.Context().Value(apiContext.Params).(httprouter.Params)
	return ps.ByName(name)
}

func actorOf(r *http.Request) string {
	claims, _ := r.Context().Value(apiContext.Claims).(*auth.Claims)
	return claims.Actor()
}

// decodeBody decodes an optional JSON body into v. An empty body is not an error.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if err == io.EOF {
		return nil
	}
	return err
}

// queryInt reads an integer query parameter, falling back to def when absent
// or unparseable.
func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := cast.ToIntE(raw)
	if err != nil {
		return def
	}
	return n
}
