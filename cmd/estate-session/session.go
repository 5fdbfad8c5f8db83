package main

import (
	"fmt"

	"github.com/dgellow/estate-session/internal/session"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in through the browser",
	Long: `Opens the identity provider's sign-in page in the browser and waits for
the redirect on the configured redirectUri. The provider session is then
exchanged for a backend credential and stored.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, st, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer app.Close()

		if st.Authenticated() {
			pterm.Info.Printf("Already signed in as %s\n", st.User.Email)
			printSession(st)
			return nil
		}

		spinner, _ := pterm.DefaultSpinner.Start("Waiting for sign-in in the browser...")
		st, err = app.Reconciler().SignIn(cmd.Context())
		if err != nil {
			spinner.Fail("Sign-in failed")
			return err
		}
		spinner.Success("Signed in")
		printSession(st)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and forget the stored credential",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, st, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer app.Close()

		if st.Phase == session.SignedOut {
			pterm.Info.Println("Not signed in")
			return nil
		}
		if err := app.Reconciler().SignOut(cmd.Context()); err != nil {
			pterm.Warning.Printf("Signed out with errors: %v\n", err)
			return nil
		}
		pterm.Success.Println("Signed out")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Display the session status",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, st, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer app.Close()

		pterm.DefaultSection.Println("Session Status")
		printSession(st)

		if cred, ok := app.Credentials().Current(); ok {
			pterm.DefaultSection.Println("Credential")
			rows := [][]string{
				{"Fingerprint", cred.Fingerprint()},
				{"Source", string(cred.Source)},
				{"Issued at", cred.IssuedAt.Format("2006-01-02 15:04:05 MST")},
			}
			if err := pterm.DefaultTable.WithData(rows).Render(); err != nil {
				return err
			}
		}
		if st.Err != nil {
			pterm.Warning.Println(st.Err.UserMessage())
		}
		return nil
	},
}

func printSession(st session.State) {
	rows := [][]string{{"Phase", st.Phase.String()}}
	if st.User != nil {
		rows = append(rows,
			[]string{"User", fmt.Sprintf("%s <%s>", st.User.Name, st.User.Email)},
			[]string{"Role", string(st.User.Role)},
		)
	}
	_ = pterm.DefaultTable.WithData(rows).Render()
}
