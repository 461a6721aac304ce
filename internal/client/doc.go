// Package client implements the operator side of the admin control plane.
//
// # Overview
//
// An operator client registers with the master under the client role using a
// username and password, then issues module requests, notifies and console
// commands. Unlike a monitor it never reconnects: a dropped operator session
// is gone, and every request still awaiting an answer fails with
// correlation.ErrConnectionClosed.
//
// # Body stamping
//
// Object bodies of every outbound request, notify and command carry the
// client's id and username under "clientId" and "username", so master-side
// modules can address answers back with NotifyClient.
//
// # Pushed notifications
//
// Notifies the master pushes to the client are published on Events() as
// events.KindNotify with ModuleID and Body set.
//
// # Usage
//
//	c := client.New(client.Options{Username: "admin", Password: pw})
//	if err := c.Connect(ctx, "master.internal:3005"); err != nil {
//		return err
//	}
//	defer c.Close()
//	body, err := c.Call(ctx, "nodeInfo", nil)
package client
