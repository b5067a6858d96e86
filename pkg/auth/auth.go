package auth

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/xdg-go/scram"
	"golang.org/x/crypto/pbkdf2"

	"github.com/pgdog-io/pgdog/pkg/client"
	"github.com/pgdog-io/pgdog/pkg/config"
	"github.com/pgdog-io/pgdog/pkg/conn"
	"github.com/pgdog-io/pgdog/pkg/pgerr"
)

const SCRAMSaltLen = 16
const SCRAMIterCount = 4096
const SCRAMKeyLen = 32

func backendCredentials(db *config.Database, user *config.User) (string, string) {
	username := user.BackendUser()
	if username == "" {
		username = db.User
	}
	password := user.BackendPassword()
	if password == "" {
		password = db.Password
	}
	return username, password
}

// AuthBackend answers an authentication request from the backend
// server during connection startup.
func AuthBackend(shard conn.DBInstance, db *config.Database, user *config.User, msg pgproto3.BackendMessage) error {
	switch v := msg.(type) {
	case *pgproto3.AuthenticationOk:
		return nil
	case *pgproto3.AuthenticationMD5Password:
		username, password := backendCredentials(db, user)

		var res []byte

		/* password may be configured in partially-calculated
		 * form to hide original passwd string
		 */
		/* 35 = len("md5") + 2 * 16 */
		if len(password) == 35 && password[0:3] == "md5" {
			res = []byte(password[3:])
		} else {
			hash := md5.New()
			hash.Write([]byte(password + username))
			res = []byte(hex.EncodeToString(hash.Sum(nil)))
		}

		hashSalted := md5.New()
		hashSalted.Write(res)
		hashSalted.Write([]byte{v.Salt[0], v.Salt[1], v.Salt[2], v.Salt[3]})
		psswd := hex.EncodeToString(hashSalted.Sum(nil))

		if err := shard.Send(&pgproto3.PasswordMessage{Password: "md5" + psswd}); err != nil {
			return err
		}
		return shard.Flush()
	case *pgproto3.AuthenticationCleartextPassword:
		_, password := backendCredentials(db, user)

		if err := shard.Send(&pgproto3.PasswordMessage{Password: password}); err != nil {
			return err
		}
		return shard.Flush()
	case *pgproto3.AuthenticationSASL:
		username, password := backendCredentials(db, user)

		clientSHA256, err := scram.SHA256.NewClient(username, password, "")
		if err != nil {
			return err
		}

		conv := clientSHA256.NewConversation()
		var serverMsg string

		firstMsg, err := conv.Step(serverMsg)
		if err != nil {
			return err
		}

		if err = shard.Send(&pgproto3.SASLInitialResponse{
			AuthMechanism: "SCRAM-SHA-256",
			Data:          []byte(firstMsg),
		}); err != nil {
			return err
		}
		if err = shard.Flush(); err != nil {
			return err
		}

		serverMsgRaw, err := shard.Receive()
		if err != nil {
			return err
		}
		switch serverMsgRaw := serverMsgRaw.(type) {
		case *pgproto3.AuthenticationSASLContinue:
			serverMsg = string(serverMsgRaw.Data)
		case *pgproto3.ErrorResponse:
			return fmt.Errorf("backend auth: %s", serverMsgRaw.Message)
		default:
			return fmt.Errorf("unexpected server message type: %T", serverMsgRaw)
		}

		secondMsg, err := conv.Step(serverMsg)
		if err != nil {
			return err
		}
		if err = shard.Send(&pgproto3.SASLResponse{Data: []byte(secondMsg)}); err != nil {
			return err
		}
		if err = shard.Flush(); err != nil {
			return err
		}

		serverMsgRaw, err = shard.Receive()
		if err != nil {
			return err
		}
		switch serverMsgRaw := serverMsgRaw.(type) {
		case *pgproto3.AuthenticationSASLFinal:
			serverMsg = string(serverMsgRaw.Data)
		case *pgproto3.ErrorResponse:
			return fmt.Errorf("backend auth: %s", serverMsgRaw.Message)
		default:
			return fmt.Errorf("unexpected server message type: %T", serverMsgRaw)
		}

		_, err = conv.Step(serverMsg)
		return err
	default:
		return fmt.Errorf("authBackend type %T not supported", msg)
	}
}

// AuthFrontend authenticates a connecting client against the user
// entry matched during startup.
func AuthFrontend(cl client.Client, user *config.User) error {
	switch user.Method() {
	case config.AuthTrust:
		return nil
	case config.AuthClear:
		if passwd, err := cl.PasswordCT(); err != nil || passwd != user.Password {
			return pgerr.New(pgerr.InvalidPassword, fmt.Sprintf("password authentication failed for user \"%s\"", cl.Usr()))
		}
		return nil
	case config.AuthMD5:
		randBytes := make([]byte, 4)
		if _, err := rand.Read(randBytes); err != nil {
			return err
		}

		salt := [4]byte{randBytes[0], randBytes[1], randBytes[2], randBytes[3]}

		resp, err := cl.PasswordMD5(salt)
		if err != nil {
			return err
		}

		hash := md5.New()

		/* accept encrypted version of passwd */
		if len(user.Password) == 35 && user.Password[0:3] == "md5" {
			hash.Write([]byte(user.Password[3:]))
		} else {
			innerhash := md5.New()
			innerhash.Write([]byte(user.Password + user.Name))
			hash.Write([]byte(hex.EncodeToString(innerhash.Sum(nil))))
		}
		hash.Write([]byte{salt[0], salt[1], salt[2], salt[3]})

		token := "md5" + hex.EncodeToString(hash.Sum(nil))

		if resp != token {
			return pgerr.New(pgerr.InvalidPassword, fmt.Sprintf("password authentication failed for user \"%s\"", cl.Usr()))
		}
		return nil
	case config.AuthSCRAM:
		salt := make([]byte, SCRAMSaltLen)
		if _, err := rand.Read(salt); err != nil {
			return err
		}

		saltedPassword := pbkdf2.Key([]byte(user.Password), salt, SCRAMIterCount, SCRAMKeyLen, sha256.New)

		/* ServerKey = HMAC(saltedPassword, "Server Key") */
		h := hmac.New(sha256.New, saltedPassword)
		h.Write([]byte("Server Key"))
		serverKey := h.Sum(nil)

		/* StoredKey = SHA256(HMAC(saltedPassword, "Client Key")) */
		h = hmac.New(sha256.New, saltedPassword)
		h.Write([]byte("Client Key"))
		clientKeyHash := sha256.New()
		clientKeyHash.Write(h.Sum(nil))
		storedKey := clientKeyHash.Sum(nil)

		serverSHA256, err := scram.SHA256.NewServer(
			func(username string) (scram.StoredCredentials, error) {
				return scram.StoredCredentials{
					KeyFactors: scram.KeyFactors{
						Salt:  string(salt),
						Iters: SCRAMIterCount,
					},
					ServerKey: serverKey,
					StoredKey: storedKey,
				}, nil
			})
		if err != nil {
			return err
		}

		conv := serverSHA256.NewConversation()
		var clientMsg string

		if err = cl.Send(&pgproto3.AuthenticationSASL{
			AuthMechanisms: []string{"SCRAM-SHA-256"},
		}); err != nil {
			return err
		}
		if err = cl.SetAuthType(pgproto3.AuthTypeSASL); err != nil {
			return err
		}

		clientMsgRaw, err := cl.Receive()
		if err != nil {
			return err
		}
		switch clientMsgRaw := clientMsgRaw.(type) {
		case *pgproto3.SASLInitialResponse:
			if clientMsgRaw.AuthMechanism != "SCRAM-SHA-256" {
				return fmt.Errorf("incorrect auth mechanism")
			}
			clientMsg = string(clientMsgRaw.Data)
		default:
			return fmt.Errorf("unexpected message type %T", clientMsgRaw)
		}

		secondMsg, err := conv.Step(clientMsg)
		if err != nil {
			return pgerr.New(pgerr.InvalidPassword, fmt.Sprintf("password authentication failed for user \"%s\"", cl.Usr()))
		}
		if err = cl.Send(&pgproto3.AuthenticationSASLContinue{
			Data: []byte(secondMsg),
		}); err != nil {
			return err
		}
		if err = cl.SetAuthType(pgproto3.AuthTypeSASLContinue); err != nil {
			return err
		}

		if clientMsgRaw, err = cl.Receive(); err != nil {
			return err
		}
		switch clientMsgRaw := clientMsgRaw.(type) {
		case *pgproto3.SASLResponse:
			clientMsg = string(clientMsgRaw.Data)
		default:
			return fmt.Errorf("unexpected message type %T", clientMsgRaw)
		}

		finalMsg, err := conv.Step(clientMsg)
		if err != nil {
			return pgerr.New(pgerr.InvalidPassword, fmt.Sprintf("password authentication failed for user \"%s\"", cl.Usr()))
		}
		return cl.Send(&pgproto3.AuthenticationSASLFinal{Data: []byte(finalMsg)})
	default:
		return pgerr.New(pgerr.InvalidAuthorization, fmt.Sprintf("invalid auth method '%v'", user.Method()))
	}
}
