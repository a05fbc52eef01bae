/*
Copyright © 2021 Edmond Cotterell

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/Daskott/safeguard/server/account"
	"github.com/Daskott/safeguard/server/alert"
	"github.com/Daskott/safeguard/server/auth"
	"github.com/Daskott/safeguard/server/notifier"
	"github.com/Daskott/safeguard/server/source"
	"github.com/Daskott/safeguard/server/store"
	"github.com/Daskott/safeguard/server/surface"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

var (
	demoDuration      time.Duration
	demoAudioInterval time.Duration

	green = color.New(color.FgGreen).SprintFunc()
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Walk through an alert between two in-memory users",
	Long: `demo registers Asha and Mina in memory, pairs Asha's bracelet, triggers an
alert and shows what Mina's dashboard sees until the alert is cancelled.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDemo(cmd.Context(), cmd.OutOrStdout(), demoDuration, demoAudioInterval)
	},
}

func init() {
	rootCmd.AddCommand(demoCmd)

	demoCmd.Flags().DurationVar(&demoDuration, "duration", 3*time.Second, "how long the alert stays active")
	demoCmd.Flags().DurationVar(&demoAudioInterval, "audio-interval", 500*time.Millisecond, "how often a simulated audio chunk is recorded")
}

// byteCounter stands in for a speaker and counts the PCM bytes it is sent.
type byteCounter struct {
	n int64
}

func (b *byteCounter) Write(p []byte) (int, error) {
	atomic.AddInt64(&b.n, int64(len(p)))
	return len(p), nil
}

func runDemo(ctx context.Context, out io.Writer, duration, audioInterval time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// Demo accounts are thrown away, no need for a slow hash.
	auth.PasswordCost = bcrypt.MinCost

	bus := notifier.NewLocal()
	defer bus.Close()

	s := store.New(store.NewMemoryKV(), bus)
	defer s.Close()

	accounts := account.NewService(s)
	asha, err := registerDemoUser(ctx, accounts, "Asha", "asha@example.com")
	if err != nil {
		return err
	}
	mina, err := registerDemoUser(ctx, accounts, "Mina", "mina@example.com")
	if err != nil {
		return err
	}

	if _, err := accounts.SelectBracelet(ctx, asha.ID, true); err != nil {
		return err
	}
	if _, err := accounts.VerifyBracelet(ctx, asha.ID, "AB1"); err != nil {
		fmt.Fprintf(out, "%v bracelet code AB1 rejected: %v\n", red("x"), err)
	}
	if asha, err = accounts.VerifyBracelet(ctx, asha.ID, "AB12CD34"); err != nil {
		return err
	}
	if _, err := accounts.AddTrustedContact(ctx, asha.ID, mina.ID); err != nil {
		return err
	}
	trustedBy, err := accounts.TrustedBy(ctx, mina.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%v Asha notifies Mina, bracelet AB12CD34 paired, Mina is trusted by %d user(s)\n", green("✔"), len(trustedBy))

	speaker := &byteCounter{}
	dashboard := surface.NewDashboard(s.ForContext(notifier.NewContextID()), mina.ID, surface.NewAlarm(surface.NewPCMTone(speaker)))
	if err := dashboard.Start(ctx); err != nil {
		return err
	}
	defer dashboard.Close()

	alerts := alert.NewManager(s, source.NewSimulatedAudio(audioInterval))
	defer alerts.Close()

	controller, err := alerts.For(ctx, asha)
	if err != nil {
		return err
	}

	record, err := controller.Trigger(ctx, asha, store.Location{30.4278, -9.5981}, false)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%v Asha triggered an alert at %v\n", red("!"), record.Location)

	select {
	case <-time.After(duration):
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := dashboard.Refresh(ctx); err != nil {
		return err
	}
	for _, n := range dashboard.Notifications() {
		fmt.Fprintf(out, "  Mina sees: %v needs help (%v), playAlarmOnContact=%v, alarm playing: %v\n",
			n.UserName, n.TimeAgo, n.Alert.PlayAlarmOnContact, dashboard.AlarmPlaying())
	}

	view, err := dashboard.Track(ctx, asha.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "  tracking %v at %v for %v, %d audio chunks\n",
		view.User.FullName, view.Location, view.Elapsed, len(view.Alert.AudioChunks))

	if err := controller.Cancel(ctx, asha, false, ""); err != nil {
		return err
	}
	cancelled := controller.Record()
	fmt.Fprintf(out, "%v Asha cancelled: active=%v, cancellationReason=%q\n", green("✔"), cancelled.Active, cancelled.CancellationReason)
	if err := dashboard.Refresh(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "  Mina has %d notifications, %d bytes of alarm played\n",
		len(dashboard.Notifications()), atomic.LoadInt64(&speaker.n))

	history, err := surface.BuildHistory(ctx, s, mina.ID)
	if err != nil {
		return err
	}
	for _, h := range history.Received {
		fmt.Fprintf(out, "  history: %v %v, %v\n", h.UserName,
			surface.Status(h.Active, h.Cancelled()), h.CancellationReason)
	}

	return nil
}

func registerDemoUser(ctx context.Context, accounts *account.Service, name, email string) (*store.User, error) {
	return accounts.Register(ctx, account.RegisterInput{
		FullName:        name,
		Email:           email,
		PhoneNumber:     "555-0100",
		City:            "Agadir",
		Password:        "demo-pass",
		ConfirmPassword: "demo-pass",
	})
}
