package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Daskott/safeguard/server/account"
	"github.com/Daskott/safeguard/server/alert"
	"github.com/Daskott/safeguard/server/auth"
	"github.com/Daskott/safeguard/server/source"
	"github.com/Daskott/safeguard/server/store"
	"github.com/Daskott/safeguard/server/surface"
	"github.com/Daskott/safeguard/utils"
)

// ---------------------------------------------------------------------------------//
// Handler Helper functions
// --------------------------------------------------------------------------------//

func writeResponse(rw http.ResponseWriter, payLoad ResponsePayload, statusCode int) {
	if statusCode >= http.StatusInternalServerError {
		logg.Error(payLoad.Errors)
	} else if statusCode >= http.StatusBadRequest {
		logg.Info(payLoad.Errors)
	}

	rw.WriteHeader(statusCode)
	json.NewEncoder(rw).Encode(payLoad)
}

func writeJSON(rw http.ResponseWriter, value interface{}) {
	if err := json.NewEncoder(rw).Encode(value); err != nil {
		logg.Errorf("writeJSON: %v", err)
	}
}

func writeData(rw http.ResponseWriter, data interface{}) {
	writeResponse(rw, ResponsePayload{Success: true, Data: data}, http.StatusOK)
}

func writeError(rw http.ResponseWriter, err error) {
	var validationErr *account.ValidationError
	if errors.As(err, &validationErr) {
		writeResponse(rw, ResponsePayload{Errors: validationErr.Messages}, http.StatusBadRequest)
		return
	}

	writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, statusFor(err))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrUserNotFound),
		errors.Is(err, surface.ErrNoEmergency),
		errors.Is(err, source.ErrUnknownDevice):
		return http.StatusNotFound
	case errors.Is(err, account.ErrInvalidPassword):
		return http.StatusUnauthorized
	case errors.Is(err, account.ErrEmailTaken),
		errors.Is(err, account.ErrNoBracelet),
		errors.Is(err, alert.ErrAlreadyActive),
		errors.Is(err, source.ErrNotStreaming):
		return http.StatusConflict
	case errors.Is(err, account.ErrInvalidBraceletCode),
		errors.Is(err, store.ErrSelfContact):
		return http.StatusBadRequest
	case errors.Is(err, surface.ErrCallUnsupported):
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}

func decodeBody(r *http.Request, dest interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(dest)
}

func requestClaims(r *http.Request) *auth.SafeguardTokenClaims {
	decodedJWT, _ := r.Context().Value(RequestContextKey("decodedJWT")).(DecodedJWT)
	return decodedJWT.Claims
}

// ---------------------------------------------------------------------------------//
// Middleware Helper functions
// --------------------------------------------------------------------------------//

func (app *App) decodeAndVerifyAuthHeader(ctx context.Context, authHeaderValue string) DecodedJWT {
	authHeaderList := strings.Split(authHeaderValue, "Bearer ")
	if len(authHeaderList) < 2 {
		return DecodedJWT{ErrorMsg: "no token provided"}
	}

	tokenClaims, err := auth.DecodeJWT(authHeaderList[1], app.keyPair)
	if err != nil {
		return DecodedJWT{ErrorMsg: "invalid token provided"}
	}

	// validate that the user account still exists
	_, err = app.store.FindUser(ctx, tokenClaims.Subject)
	if err != nil {
		return DecodedJWT{ErrorMsg: "invalid token provided"}
	}

	return DecodedJWT{Claims: tokenClaims}
}

// ---------------------------------------------------------------------------------//
// Server Helper functions
// --------------------------------------------------------------------------------//

func serve(server *http.Server) error {
	logg.Infof("Safeguard server is listening on port%v", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func cleanup(app *App, server *http.Server) error {
	// Shutdown server gracefully
	ctxShutDown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctxShutDown); err != nil {
		return err
	}

	app.Close()

	logg.Infof("Safeguard server stopped properly")
	return nil
}

// configDirectory retrieves the directory to store safeguard data
// Or logs an error message and then calls os.Exit if it's unable to.
func configDirectory(devMode bool) string {
	// Use 'safeguard' folder in home directory for prod
	configFolderName := "safeguard"
	rootDir, err := os.UserHomeDir()
	fatalOnError(err)

	// Use 'dev' folder in current directory for dev mode
	if devMode {
		configFolderName = "dev"
		rootDir, err = os.Getwd()
		fatalOnError(err)
	}

	configDir := filepath.Join(rootDir, configFolderName)

	err = utils.CreateDirIfNotExist(configDir)
	fatalOnError(err)

	return configDir
}

func fatalOnError(err error) {
	if err != nil {
		logg.Fatal(err)
	}
}
