package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/dgellow/estate-session/internal/apiclient"
	"github.com/spf13/cobra"
)

var apiData string

var apiCmd = &cobra.Command{
	Use:   "api METHOD PATH",
	Short: "Send an authenticated request to the marketplace API",
	Long: `Sends a request through the authenticated client. The stored credential is
attached, refreshed once if the API answers 401, and the response body is
printed. Use --data - to read the body from stdin.`,
	Example: `  estate-session api GET /listings?page=2
  estate-session api POST /wishlist --data '{"listing_id":"l-42"}'`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		method, err := parseMethod(args[0])
		if err != nil {
			return err
		}
		body, err := readData(apiData, cmd.InOrStdin())
		if err != nil {
			return err
		}

		app, _, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer app.Close()

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := app.API().NewRequest(cmd.Context(), method, args[1], reader)
		if err != nil {
			return err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := app.API().Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := apiclient.CheckResponse(resp); err != nil {
			return err
		}

		out, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("reading response: %w", err)
		}
		return printBody(cmd.OutOrStdout(), out)
	},
}

func init() {
	apiCmd.Flags().StringVarP(&apiData, "data", "d", "", "request body; - reads stdin")
}

func parseMethod(s string) (string, error) {
	m := strings.ToUpper(s)
	switch m {
	case "GET", "POST", "PUT", "PATCH", "DELETE":
		return m, nil
	default:
		return "", fmt.Errorf("unsupported method %q", s)
	}
}

func readData(data string, stdin io.Reader) ([]byte, error) {
	switch data {
	case "":
		return nil, nil
	case "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("reading stdin: %w", err)
		}
		return b, nil
	default:
		return []byte(data), nil
	}
}

// printBody indents JSON and writes anything else as is
func printBody(w io.Writer, body []byte) error {
	if len(body) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err == nil {
		body = buf.Bytes()
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	if body[len(body)-1] != '\n' {
		_, err := fmt.Fprintln(w)
		return err
	}
	return nil
}
