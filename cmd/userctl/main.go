// Команда userctl управляет учётными записями провайдера sqlite:
// добавление и удаление пользователей, смена пароля, полная зачистка
// данных пользователя.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"golang.org/x/term"

	"github.com/iudanet/ankisyncd/internal/auth"
	"github.com/iudanet/ankisyncd/internal/collection"
	"github.com/iudanet/ankisyncd/internal/config"
	"github.com/iudanet/ankisyncd/internal/session"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func usage() error {
	fmt.Fprintln(os.Stderr, `Usage: userctl <command> [args]

Commands:
  add <username>     create a user (prompts for password)
  passwd <username>  change a user's password
  del <username>     delete a user account
  list               list user accounts
  purge <username>   delete the account, its sessions and all synced data`)
	return fmt.Errorf("invalid arguments")
}

func run(args []string) error {
	if len(args) == 0 {
		return usage()
	}

	cfg := config.Load()
	ctx := context.Background()

	users, err := auth.NewSQLiteStore(ctx, cfg.AuthDBPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = users.Close()
	}()

	switch args[0] {
	case "add":
		if len(args) != 2 {
			return usage()
		}
		password, err := promptPassword()
		if err != nil {
			return err
		}
		if _, err := users.CreateUser(ctx, args[1], password); err != nil {
			return err
		}
		fmt.Printf("User %s created\n", args[1])
		return nil

	case "passwd":
		if len(args) != 2 {
			return usage()
		}
		password, err := promptPassword()
		if err != nil {
			return err
		}
		if err := users.SetPassword(ctx, args[1], password); err != nil {
			return err
		}
		fmt.Printf("Password for %s updated\n", args[1])
		return nil

	case "del":
		if len(args) != 2 {
			return usage()
		}
		if err := users.DeleteUser(ctx, args[1]); err != nil {
			return err
		}
		fmt.Printf("User %s deleted\n", args[1])
		return nil

	case "list":
		names, err := users.ListUsers(ctx)
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil

	case "purge":
		if len(args) != 2 {
			return usage()
		}
		return purgeUser(cfg, users, args[1])

	default:
		return usage()
	}
}

// purgeUser удаляет учётную запись, её сессии и каталог данных.
func purgeUser(cfg *config.Config, users *auth.SQLiteStore, username string) error {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	if err := users.DeleteUser(context.Background(), username); err != nil {
		return err
	}

	sessions, err := session.NewRegistry(cfg.SessionDBPath, users, logger)
	if err != nil {
		return err
	}
	defer func() {
		_ = sessions.Close()
	}()
	if err := sessions.PurgeUser(username); err != nil {
		return err
	}

	store := collection.NewStore(cfg.DataRoot, logger)
	if err := store.PurgeUser(username); err != nil {
		return err
	}

	fmt.Printf("User %s purged\n", username)
	return nil
}

// promptPassword читает пароль без эха и просит подтверждение.
func promptPassword() (string, error) {
	fmt.Print("Password: ")
	first, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", err
	}
	if len(first) == 0 {
		return "", fmt.Errorf("empty password")
	}

	fmt.Print("Repeat password: ")
	second, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", err
	}
	if string(first) != string(second) {
		return "", fmt.Errorf("passwords do not match")
	}
	return string(first), nil
}
