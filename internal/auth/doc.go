// Package auth decides who may register with the master.
//
// # Monitored servers
//
// A monitor presents an HS256 JWT whose "sub" claim is its server id. The
// master verifies it with the shared jwt_secret; pinion-master token mints
// one for a given id.
//
// # Operators
//
// A console client registers with a username and password. Passwords are
// stored as bcrypt hashes in the operators table and compared here.
//
// # Anonymous mode
//
// With no jwt_secret configured the master falls back to AllowAll and logs a
// warning. Reconnecting monitors are never re-authenticated.
package auth
