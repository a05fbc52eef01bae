package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/Daskott/safeguard/server/account"
	"github.com/Daskott/safeguard/server/auth"
	"github.com/Daskott/safeguard/server/auth/key"
	"github.com/Daskott/safeguard/server/store"
	"github.com/Daskott/safeguard/server/surface"
	"github.com/gorilla/mux"
)

const maxChunkBytes = 5 << 20

var validate = account.NewValidator()

type loginInput struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type braceletInput struct {
	HasBracelet bool   `json:"hasBracelet"`
	Code        string `json:"code"`
}

type triggerInput struct {
	Location  *store.Location `json:"location"`
	DoubtMode bool            `json:"doubtMode"`
}

type cancelInput struct {
	WasRealEmergency bool   `json:"wasRealEmergency"`
	EmergencyType    string `json:"emergencyType"`
}

type locationInput struct {
	Location *store.Location `json:"location" validate:"required"`
}

func (app *App) health(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Add("Content-Type", "application/json")
	pool := app.workers.Pool()
	writeData(rw, map[string]interface{}{
		"status":      "ok",
		"pendingJobs": pool.Pending(),
		"deadJobs":    len(pool.DeadJobs()),
	})
}

func (app *App) jwks(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Add("Content-Type", "application/json")

	jwk, err := app.keyPair.JWK()
	if err != nil {
		writeError(rw, err)
		return
	}

	rw.WriteHeader(http.StatusOK)
	writeJSON(rw, key.ExportJWKAsJWKS(jwk))
}

// ---------------------------------------------------------------------------------//
// Accounts
// --------------------------------------------------------------------------------//

func (app *App) register(rw http.ResponseWriter, r *http.Request) {
	input := account.RegisterInput{}
	if err := decodeBody(r, &input); err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusBadRequest)
		return
	}

	user, err := app.accounts.Register(r.Context(), input)
	if err != nil {
		writeError(rw, err)
		return
	}

	writeResponse(rw, ResponsePayload{Success: true, Data: user}, http.StatusCreated)
}

func (app *App) login(rw http.ResponseWriter, r *http.Request) {
	input := loginInput{}
	if err := decodeBody(r, &input); err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusBadRequest)
		return
	}

	if errs := validate.Struct(input); errs != nil {
		writeResponse(rw, ResponsePayload{Errors: strings.Split(errs.Error(), "\n")}, http.StatusBadRequest)
		return
	}

	user, err := app.accounts.Login(r.Context(), input.Email, input.Password)
	if errors.Is(err, store.ErrUserNotFound) || errors.Is(err, account.ErrInvalidPassword) {
		writeResponse(rw, ResponsePayload{Errors: []string{"invalid email or password"}}, http.StatusUnauthorized)
		return
	}
	if err != nil {
		writeError(rw, err)
		return
	}

	token, err := auth.EncodeJWT(auth.NewClaims(user.ID, user.FullName, user.Email), app.keyPair)
	if err != nil {
		writeError(rw, err)
		return
	}

	writeData(rw, map[string]interface{}{"token": token, "user": user})
}

func (app *App) logout(rw http.ResponseWriter, r *http.Request) {
	if err := app.accounts.Logout(r.Context()); err != nil {
		writeError(rw, err)
		return
	}

	app.closeDashboard(requestClaims(r).Subject)
	writeResponse(rw, ResponsePayload{Success: true}, http.StatusOK)
}

func (app *App) currentUser(rw http.ResponseWriter, r *http.Request) {
	user, err := app.accounts.User(r.Context(), requestClaims(r).Subject)
	if err != nil {
		writeError(rw, err)
		return
	}
	writeData(rw, user)
}

func (app *App) updateProfile(rw http.ResponseWriter, r *http.Request) {
	input := account.ProfileInput{}
	if err := decodeBody(r, &input); err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusBadRequest)
		return
	}

	user, err := app.accounts.UpdateProfile(r.Context(), requestClaims(r).Subject, input)
	if err != nil {
		writeError(rw, err)
		return
	}
	writeData(rw, user)
}

func (app *App) selectBracelet(rw http.ResponseWriter, r *http.Request) {
	input := braceletInput{}
	if err := decodeBody(r, &input); err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusBadRequest)
		return
	}

	user, err := app.accounts.SelectBracelet(r.Context(), requestClaims(r).Subject, input.HasBracelet)
	if err != nil {
		writeError(rw, err)
		return
	}
	writeData(rw, user)
}

func (app *App) verifyBracelet(rw http.ResponseWriter, r *http.Request) {
	input := braceletInput{}
	if err := decodeBody(r, &input); err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusBadRequest)
		return
	}

	user, err := app.accounts.VerifyBracelet(r.Context(), requestClaims(r).Subject, input.Code)
	if err != nil {
		writeError(rw, err)
		return
	}
	writeData(rw, user)
}

func (app *App) searchUsers(rw http.ResponseWriter, r *http.Request) {
	users, err := app.accounts.SearchUsers(r.Context(), requestClaims(r).Subject, r.URL.Query().Get("q"))
	if err != nil {
		writeError(rw, err)
		return
	}
	writeData(rw, users)
}

func (app *App) trustedContacts(rw http.ResponseWriter, r *http.Request) {
	users, err := app.accounts.TrustedContacts(r.Context(), requestClaims(r).Subject)
	if err != nil {
		writeError(rw, err)
		return
	}
	writeData(rw, users)
}

func (app *App) trustedBy(rw http.ResponseWriter, r *http.Request) {
	users, err := app.accounts.TrustedBy(r.Context(), requestClaims(r).Subject)
	if err != nil {
		writeError(rw, err)
		return
	}
	writeData(rw, users)
}

func (app *App) addTrustedContact(rw http.ResponseWriter, r *http.Request) {
	user, err := app.accounts.AddTrustedContact(r.Context(), requestClaims(r).Subject, mux.Vars(r)["id"])
	if err != nil {
		writeError(rw, err)
		return
	}
	writeData(rw, user)
}

func (app *App) removeTrustedContact(rw http.ResponseWriter, r *http.Request) {
	user, err := app.accounts.RemoveTrustedContact(r.Context(), requestClaims(r).Subject, mux.Vars(r)["id"])
	if err != nil {
		writeError(rw, err)
		return
	}
	writeData(rw, user)
}

// ---------------------------------------------------------------------------------//
// Alerts
// --------------------------------------------------------------------------------//

func (app *App) triggerAlert(rw http.ResponseWriter, r *http.Request) {
	input := triggerInput{}
	if err := decodeBody(r, &input); err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusBadRequest)
		return
	}

	user, err := app.store.FindUser(r.Context(), requestClaims(r).Subject)
	if err != nil {
		writeError(rw, err)
		return
	}

	loc, err := app.locationOrLast(r, user.ID, input.Location)
	if err != nil {
		writeError(rw, err)
		return
	}

	controller, err := app.alerts.For(r.Context(), user)
	if err != nil {
		writeError(rw, err)
		return
	}

	record, err := controller.Trigger(r.Context(), user, loc, input.DoubtMode)
	if err != nil {
		writeError(rw, err)
		return
	}

	writeResponse(rw, ResponsePayload{Success: true, Data: record}, http.StatusCreated)
}

func (app *App) cancelAlert(rw http.ResponseWriter, r *http.Request) {
	input := cancelInput{}
	if err := decodeBody(r, &input); err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusBadRequest)
		return
	}

	var emergencyType store.EmergencyType
	if input.WasRealEmergency && input.EmergencyType != "" {
		parsed, err := store.ParseEmergencyType(input.EmergencyType)
		if err != nil {
			writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusBadRequest)
			return
		}
		emergencyType = parsed
	}

	user, err := app.store.FindUser(r.Context(), requestClaims(r).Subject)
	if err != nil {
		writeError(rw, err)
		return
	}

	controller, err := app.alerts.For(r.Context(), user)
	if err != nil {
		writeError(rw, err)
		return
	}

	if err := controller.Cancel(r.Context(), user, input.WasRealEmergency, emergencyType); err != nil {
		writeError(rw, err)
		return
	}

	writeData(rw, controller.Record())
}

func (app *App) notifications(rw http.ResponseWriter, r *http.Request) {
	dashboard, err := app.dashboard(r.Context(), requestClaims(r).Subject)
	if err != nil {
		writeError(rw, err)
		return
	}

	if err := dashboard.Refresh(r.Context()); err != nil {
		writeError(rw, err)
		return
	}

	writeData(rw, map[string]interface{}{
		"notifications": dashboard.Notifications(),
		"alarmPlaying":  dashboard.AlarmPlaying(),
		"alarmMuted":    dashboard.AlarmMuted(),
	})
}

func (app *App) muteAlarm(rw http.ResponseWriter, r *http.Request) {
	dashboard, err := app.dashboard(r.Context(), requestClaims(r).Subject)
	if err != nil {
		writeError(rw, err)
		return
	}

	dashboard.Mute()
	writeData(rw, map[string]interface{}{
		"alarmPlaying": dashboard.AlarmPlaying(),
		"alarmMuted":   dashboard.AlarmMuted(),
	})
}

func (app *App) dismissNotification(rw http.ResponseWriter, r *http.Request) {
	dashboard, err := app.dashboard(r.Context(), requestClaims(r).Subject)
	if err != nil {
		writeError(rw, err)
		return
	}

	dashboard.Dismiss(mux.Vars(r)["userId"])
	writeData(rw, dashboard.Notifications())
}

func (app *App) track(rw http.ResponseWriter, r *http.Request) {
	viewerID := requestClaims(r).Subject
	userID := mux.Vars(r)["userId"]

	if userID != viewerID {
		dashboard, err := app.dashboard(r.Context(), viewerID)
		if err != nil {
			writeError(rw, err)
			return
		}

		watches, err := dashboard.Watches(r.Context(), userID)
		if err != nil {
			writeError(rw, err)
			return
		}
		if !watches {
			writeResponse(rw, ResponsePayload{Errors: []string{"action is forbidden"}}, http.StatusForbidden)
			return
		}
	}

	view, err := surface.Track(r.Context(), app.store, userID, app.now())
	if err != nil {
		writeError(rw, err)
		return
	}
	writeData(rw, view)
}

func (app *App) history(rw http.ResponseWriter, r *http.Request) {
	view, err := surface.BuildHistory(r.Context(), app.store, requestClaims(r).Subject)
	if err != nil {
		writeError(rw, err)
		return
	}
	writeData(rw, view)
}

// ---------------------------------------------------------------------------------//
// Location
// --------------------------------------------------------------------------------//

func (app *App) toggleTracking(rw http.ResponseWriter, r *http.Request) {
	input := locationInput{}
	if err := decodeBody(r, &input); err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusBadRequest)
		return
	}

	userID := requestClaims(r).Subject
	from, err := app.locationOrLast(r, userID, input.Location)
	if err != nil {
		writeError(rw, err)
		return
	}

	enabled, err := app.tracker.Toggle(r.Context(), userID, from)
	if err != nil {
		writeError(rw, err)
		return
	}

	writeData(rw, map[string]bool{"tracking": enabled})
}

func (app *App) heatmap(rw http.ResponseWriter, r *http.Request) {
	var center *store.Location
	query := r.URL.Query()
	if query.Get("lat") != "" || query.Get("lng") != "" {
		lat, err := strconv.ParseFloat(query.Get("lat"), 64)
		if err != nil {
			writeResponse(rw, ResponsePayload{Errors: []string{fmt.Sprintf("invalid lat: %v", err)}}, http.StatusBadRequest)
			return
		}
		lng, err := strconv.ParseFloat(query.Get("lng"), 64)
		if err != nil {
			writeResponse(rw, ResponsePayload{Errors: []string{fmt.Sprintf("invalid lng: %v", err)}}, http.StatusBadRequest)
			return
		}
		center = &store.Location{lat, lng}
	}

	loc, err := app.locationOrLast(r, requestClaims(r).Subject, center)
	if err != nil {
		writeError(rw, err)
		return
	}

	writeData(rw, app.heatmaps.Get(loc))
}

// ---------------------------------------------------------------------------------//
// Devices
// --------------------------------------------------------------------------------//

func (app *App) pushDeviceLocation(rw http.ResponseWriter, r *http.Request) {
	input := locationInput{}
	if err := decodeBody(r, &input); err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusBadRequest)
		return
	}

	if errs := validate.Struct(input); errs != nil {
		writeResponse(rw, ResponsePayload{Errors: strings.Split(errs.Error(), "\n")}, http.StatusBadRequest)
		return
	}

	fix, err := app.devices.PushLocation(r.Context(), mux.Vars(r)["code"], *input.Location)
	if err != nil {
		writeError(rw, err)
		return
	}
	writeData(rw, fix)
}

func (app *App) pushDeviceAudio(rw http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(rw, r.Body, maxChunkBytes))
	if err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusRequestEntityTooLarge)
		return
	}

	if len(data) == 0 {
		writeResponse(rw, ResponsePayload{Errors: []string{"empty audio chunk"}}, http.StatusBadRequest)
		return
	}

	chunk, err := app.devices.PushAudio(r.Context(), mux.Vars(r)["code"], data)
	if err != nil {
		writeError(rw, err)
		return
	}
	writeResponse(rw, ResponsePayload{Success: true, Data: chunk}, http.StatusCreated)
}

// ---------------------------------------------------------------------------------//
// Helper functions
// --------------------------------------------------------------------------------//

// locationOrLast prefers the location sent by the client, then the last
// tracked fix, then the origin.
func (app *App) locationOrLast(r *http.Request, userID string, sent *store.Location) (store.Location, error) {
	if sent != nil {
		return *sent, nil
	}

	fix, found, err := app.store.Location(r.Context(), userID)
	if err != nil || !found {
		return store.Location{}, err
	}
	return fix.Location, nil
}

func (app *App) closeDashboard(viewerID string) {
	app.mu.Lock()
	dashboard := app.dashboards[viewerID]
	delete(app.dashboards, viewerID)
	app.mu.Unlock()

	if dashboard != nil {
		dashboard.Close()
	}
}
