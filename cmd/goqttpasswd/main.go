// Command goqttpasswd provisions users in a domain's sqlite users database,
// hashing each password with bcrypt so the broker's sqlite auth backend can
// verify it at CONNECT.
//
// Usage:
//
//	goqttpasswd <users.db> add <username> <password>
//	goqttpasswd <users.db> del <username>
//	goqttpasswd <users.db> list
package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"

	h "github.com/pyr33x/goqttd/pkg/hash"
)

const schema = `CREATE TABLE IF NOT EXISTS users (
	username TEXT PRIMARY KEY,
	secret   TEXT NOT NULL
)`

func main() {
	if len(os.Args) < 3 {
		usage()
	}
	dbPath, cmd := os.Args[1], os.Args[2]

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		log.Fatalf("open %s: %v", dbPath, err)
	}
	defer db.Close()

	if _, err := db.Exec(schema); err != nil {
		log.Fatalf("create users table: %v", err)
	}

	switch cmd {
	case "add":
		if len(os.Args) != 5 {
			usage()
		}
		username, password := os.Args[3], os.Args[4]
		secret, err := h.HashPasswd(password, bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("hash password: %v", err)
		}
		if _, err := db.Exec(
			"INSERT INTO users (username, secret) VALUES (?, ?) ON CONFLICT(username) DO UPDATE SET secret = excluded.secret",
			username, secret,
		); err != nil {
			log.Fatalf("add user %s: %v", username, err)
		}
		fmt.Printf("user %s added\n", username)

	case "del":
		if len(os.Args) != 4 {
			usage()
		}
		username := os.Args[3]
		res, err := db.Exec("DELETE FROM users WHERE username = ?", username)
		if err != nil {
			log.Fatalf("delete user %s: %v", username, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			log.Fatalf("user %s not found", username)
		}
		fmt.Printf("user %s deleted\n", username)

	case "list":
		rows, err := db.Query("SELECT username FROM users ORDER BY username")
		if err != nil {
			log.Fatalf("list users: %v", err)
		}
		defer rows.Close()
		for rows.Next() {
			var username string
			if err := rows.Scan(&username); err != nil {
				log.Fatalf("scan: %v", err)
			}
			fmt.Println(username)
		}
		if err := rows.Err(); err != nil {
			log.Fatalf("list users: %v", err)
		}

	default:
		usage()
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage:\n  goqttpasswd <users.db> add <username> <password>\n  goqttpasswd <users.db> del <username>\n  goqttpasswd <users.db> list\n")
	os.Exit(2)
}
