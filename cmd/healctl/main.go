// healctl is the operator CLI: credential encryption, command validation,
// host-key fingerprinting, and server directory maintenance.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/ssh"

	"github.com/wpautohealer/backend/internal/config"
	"github.com/wpautohealer/backend/internal/sshx"
	"github.com/wpautohealer/backend/internal/store"
	"github.com/wpautohealer/backend/internal/vault"
)

func main() {
	log.SetFlags(0)
	godotenv.Load()

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "encrypt":
		err = runEncrypt(os.Args[2:])
	case "decrypt":
		err = runDecrypt(os.Args[2:])
	case "validate-command":
		err = runValidate(os.Args[2:])
	case "fingerprint":
		err = runFingerprint(os.Args[2:])
	case "server-add":
		err = runServerAdd(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("healctl %s: %v", os.Args[1], err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: healctl <command> [flags]

commands:
  encrypt            encrypt a credential read from stdin
  decrypt            decrypt a credential read from stdin
  validate-command   check a command against the execution policy
  fingerprint        print the SHA-256 fingerprint of a host public key file
  server-add         upsert a server record in the directory`)
}

func openVault() (*vault.Vault, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if len(cfg.EncryptionKey) == 0 {
		return nil, fmt.Errorf("ENCRYPTION_KEY is not set")
	}
	return vault.New(cfg.EncryptionKey)
}

func readStdin() (string, error) {
	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return string(raw), nil
}

func runEncrypt(args []string) error {
	fs := flag.NewFlagSet("encrypt", flag.ExitOnError)
	fs.Parse(args)

	v, err := openVault()
	if err != nil {
		return err
	}
	plaintext, err := readStdin()
	if err != nil {
		return err
	}
	out, err := v.Encrypt(plaintext)
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}

func runDecrypt(args []string) error {
	fs := flag.NewFlagSet("decrypt", flag.ExitOnError)
	fs.Parse(args)

	v, err := openVault()
	if err != nil {
		return err
	}
	ciphertext, err := readStdin()
	if err != nil {
		return err
	}
	out, err := v.Decrypt(ciphertext)
	if err != nil {
		return err
	}
	fmt.Print(out)
	return nil
}

func runValidate(args []string) error {
	fs := flag.NewFlagSet("validate-command", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("expected exactly one command argument")
	}
	clean, err := sshx.ValidateCommand(fs.Arg(0))
	if err != nil {
		return err
	}
	fmt.Printf("OK: %s\n", clean)
	return nil
}

func runFingerprint(args []string) error {
	fs := flag.NewFlagSet("fingerprint", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("expected a public key file path")
	}
	raw, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return err
	}
	key, _, _, _, err := ssh.ParseAuthorizedKey(raw)
	if err != nil {
		return fmt.Errorf("parse public key: %w", err)
	}
	fmt.Println(sshx.FingerprintKey(key))
	return nil
}

func runServerAdd(args []string) error {
	fs := flag.NewFlagSet("server-add", flag.ExitOnError)
	serverID := fs.String("id", "", "server ID (required)")
	hostname := fs.String("host", "", "hostname or IP (required)")
	port := fs.Int("port", 22, "SSH port")
	username := fs.String("user", "", "SSH username (required)")
	authType := fs.String("auth", "key", "auth type: key or password")
	fingerprint := fs.String("fingerprint", "", "expected host key fingerprint (base64 SHA-256)")
	fs.Parse(args)

	if *serverID == "" || *hostname == "" || *username == "" {
		return fmt.Errorf("-id, -host, and -user are required")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is not set")
	}
	v, err := openVault()
	if err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr, "Reading credential from stdin (private key or password)...")
	credential, err := readStdin()
	if err != nil {
		return err
	}
	encrypted, err := v.Encrypt(credential)
	if err != nil {
		return err
	}

	pg, err := store.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pg.Close()
	dir, err := store.NewServerDirectory(pg.DB())
	if err != nil {
		return err
	}
	if err := dir.PutServer(context.Background(), sshx.ServerRecord{
		ServerID:             *serverID,
		Hostname:             *hostname,
		Port:                 *port,
		Username:             *username,
		AuthType:             *authType,
		EncryptedCredentials: encrypted,
		HostKeyFingerprint:   *fingerprint,
	}); err != nil {
		return err
	}
	fmt.Printf("server %s saved\n", *serverID)
	return nil
}
