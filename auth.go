package wire

import (
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"errors"

	"github.com/pgwiremock/pgwiremock/codes"
	pgerror "github.com/pgwiremock/pgwiremock/errors"
	"github.com/pgwiremock/pgwiremock/pkg/buffer"
	"github.com/pgwiremock/pgwiremock/pkg/types"
)

// authType represents the manner in which a client is able to authenticate
type authType int32

const (
	// authOK indicates that the connection has been authenticated and the client
	// is allowed to proceed.
	authOK authType = 0
	// authClearTextPassword tells the client to send its password in clear text.
	authClearTextPassword authType = 3
	// authMD5Password tells the client to send a salted MD5 hash of its password.
	authMD5Password authType = 5
)

// AuthStrategy represents a authentication strategy used to authenticate a user
type AuthStrategy func(ctx context.Context, writer *buffer.Writer, reader *buffer.Reader) (err error)

// handleAuth handles the client authentication for the given connection.
func (srv *Server) handleAuth(ctx context.Context, reader *buffer.Reader, writer *buffer.Writer) error {
	srv.logger.Debug("authenticating client connection")

	if srv.Auth == nil {
		return writeAuthType(writer, authOK)
	}

	return srv.Auth(ctx, writer, reader)
}

// Trust accepts every connecting client without challenging it (auth_method
// = trust).
func Trust() AuthStrategy {
	return func(ctx context.Context, writer *buffer.Writer, reader *buffer.Reader) error {
		return writeAuthType(writer, authOK)
	}
}

// ClearTextPassword announces to the client to authenticate by sending a
// clear text password and validates it against validate.
func ClearTextPassword(validate func(username, password string) (bool, error)) AuthStrategy {
	return func(ctx context.Context, writer *buffer.Writer, reader *buffer.Reader) (err error) {
		err = writeAuthType(writer, authClearTextPassword)
		if err != nil {
			return err
		}

		params := ClientParameters(ctx)
		t, _, err := reader.ReadTypedMsg()
		if err != nil {
			return err
		}

		if t != types.ClientPassword {
			return errors.New("unexpected password message")
		}

		password, err := reader.GetString()
		if err != nil {
			return err
		}

		valid, err := validate(params[ParamUsername], password)
		if err != nil {
			return err
		}

		if !valid {
			authErr := pgerror.WithCode(errors.New("invalid username/password"), codes.InvalidPassword)
			if err := ErrorCode(writer, authErr); err != nil {
				return err
			}
			return authErr
		}

		return writeAuthType(writer, authOK)
	}
}

// MD5Password announces to the client to authenticate using a salted MD5
// hash. lookup returns the plaintext password on file for username, since
// the digest can only be verified by recomputing it from the known
// plaintext. A fresh 4-byte salt is drawn from crypto/rand for every
// connection (Open Question ii: never reuse a salt across connections).
func MD5Password(lookup func(username string) (password string, ok bool, err error)) AuthStrategy {
	return func(ctx context.Context, writer *buffer.Writer, reader *buffer.Reader) (err error) {
		var salt [4]byte
		if _, err = rand.Read(salt[:]); err != nil {
			return err
		}

		if err = writeAuthMD5(writer, salt); err != nil {
			return err
		}

		params := ClientParameters(ctx)
		t, _, err := reader.ReadTypedMsg()
		if err != nil {
			return err
		}

		if t != types.ClientPassword {
			return errors.New("unexpected password message")
		}

		response, err := reader.GetString()
		if err != nil {
			return err
		}

		username := params[ParamUsername]
		plain, found, err := lookup(username)
		if err != nil {
			return err
		}

		if !found || response != md5Digest(username, plain, salt) {
			authErr := pgerror.WithCode(errors.New("invalid username/password"), codes.InvalidPassword)
			if err := ErrorCode(writer, authErr); err != nil {
				return err
			}
			return authErr
		}

		return writeAuthType(writer, authOK)
	}
}

func md5Digest(username, password string, salt [4]byte) string {
	inner := md5.Sum([]byte(password + username))
	innerHex := hex.EncodeToString(inner[:])

	outer := md5.Sum([]byte(innerHex + string(salt[:])))
	return "md5" + hex.EncodeToString(outer[:])
}

func writeAuthType(writer *buffer.Writer, status authType) error {
	writer.Start(types.ServerAuth)
	writer.AddInt32(int32(status))
	return writer.End()
}

func writeAuthMD5(writer *buffer.Writer, salt [4]byte) error {
	writer.Start(types.ServerAuth)
	writer.AddInt32(int32(authMD5Password))
	writer.AddBytes(salt[:])
	return writer.End()
}

// IsSuperUser checks whether the given connection context is a super user
func IsSuperUser(ctx context.Context) bool {
	return false
}

// AuthenticatedUsername returns the username of the authenticated user of the
// given connection context
func AuthenticatedUsername(ctx context.Context) string {
	parameters := ClientParameters(ctx)
	return parameters[ParamUsername]
}
