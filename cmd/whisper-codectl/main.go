// Command whisper-codectl manages access codes on a running signaling server
// through its admin HTTP endpoints.
//
// Usage:
//
//	whisper-codectl [flags] generate
//	whisper-codectl [flags] add CODE
//	whisper-codectl [flags] list
//	whisper-codectl [flags] delete CODE
//
// The server address and admin secret come from WHISPER_SERVER and
// ADMIN_SECRET (or the corresponding flags).
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
)

const (
	envVarServer      = "WHISPER_SERVER"
	envVarAdminSecret = "ADMIN_SECRET"

	defaultServer = "http://127.0.0.1:8000"
)

type client struct {
	base   string
	secret string
	http   *http.Client
}

func main() {
	_ = godotenv.Load()

	server := os.Getenv(envVarServer)
	if server == "" {
		server = defaultServer
	}
	secret := os.Getenv(envVarAdminSecret)

	fs := flag.NewFlagSet("whisper-codectl", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: whisper-codectl [flags] generate|add CODE|list|delete CODE\n\nFlags:\n")
		fs.PrintDefaults()
	}

	fs.StringVar(&server, "server", server, "Signaling server base URL (env "+envVarServer+")")
	fs.StringVar(&secret, "admin-secret", secret, "Admin bearer secret (env "+envVarAdminSecret+")")
	length := fs.Int("length", 0, "Generated code length (generate; 0 = server default)")
	maxUses := fs.Int("max-uses", 1, "Maximum validations before the code self-destructs (generate/add)")
	expires := fs.Int("expires-hours", 0, "Hours until expiry, 0 = never (generate/add)")
	password := fs.String("password", "", "Admin password for add (uses the password endpoint instead of the bearer secret)")
	timeout := fs.Duration("timeout", 10*time.Second, "HTTP request timeout")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}
	args := fs.Args()
	if len(args) == 0 {
		fs.Usage()
		os.Exit(2)
	}

	c := &client{
		base:   server,
		secret: secret,
		http:   &http.Client{Timeout: *timeout},
	}

	var err error
	switch args[0] {
	case "generate":
		err = c.generate(*length, *maxUses, *expires)
	case "add":
		if len(args) != 2 {
			err = fmt.Errorf("add requires exactly one CODE argument")
			break
		}
		err = c.add(args[1], *password, *maxUses, *expires)
	case "list":
		err = c.list()
	case "delete":
		if len(args) != 2 {
			err = fmt.Errorf("delete requires exactly one CODE argument")
			break
		}
		err = c.delete(args[1])
	default:
		err = fmt.Errorf("unknown command %q", args[0])
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "whisper-codectl:", err)
		os.Exit(1)
	}
}

func (c *client) generate(length, maxUses, expiresHours int) error {
	body := map[string]any{
		"length":         length,
		"maxUses":        maxUses,
		"expiresInHours": expiresHours,
	}

	var resp struct {
		Code      string     `json:"code"`
		MaxUses   int        `json:"maxUses"`
		ExpiresAt *time.Time `json:"expiresAt"`
	}
	if err := c.do(http.MethodPost, "/auth/generate-code", body, true, &resp); err != nil {
		return err
	}

	fmt.Println(resp.Code)
	return nil
}

func (c *client) add(code, password string, maxUses, expiresHours int) error {
	body := map[string]any{
		"password":       password,
		"code":           code,
		"maxUses":        maxUses,
		"expiresInHours": expiresHours,
	}

	var resp struct {
		Code string `json:"code"`
	}
	if err := c.do(http.MethodPost, "/auth/add-code", body, false, &resp); err != nil {
		return err
	}

	fmt.Println(resp.Code)
	return nil
}

func (c *client) list() error {
	var resp struct {
		Codes []struct {
			Code      string     `json:"code"`
			Created   time.Time  `json:"created"`
			UsedCount int        `json:"usedCount"`
			MaxUses   int        `json:"maxUses"`
			ExpiresAt *time.Time `json:"expiresAt"`
			Active    bool       `json:"active"`
		} `json:"codes"`
	}
	if err := c.do(http.MethodGet, "/admin/codes", nil, true, &resp); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CODE\tUSES\tEXPIRES\tACTIVE")
	for _, code := range resp.Codes {
		expires := "never"
		if code.ExpiresAt != nil {
			expires = code.ExpiresAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%d/%d\t%s\t%t\n", code.Code, code.UsedCount, code.MaxUses, expires, code.Active)
	}
	return w.Flush()
}

func (c *client) delete(code string) error {
	return c.do(http.MethodDelete, "/admin/codes/"+url.PathEscape(code), nil, true, nil)
}

func (c *client) do(method, path string, body any, bearer bool, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.base+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer {
		if c.secret == "" {
			return fmt.Errorf("%s is required for this command", envVarAdminSecret)
		}
		req.Header.Set("Authorization", "Bearer "+c.secret)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		var errResp struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, errResp.Error)
		}
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
