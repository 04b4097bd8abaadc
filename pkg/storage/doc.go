// Package storage writes map tiles to disk.
//
// Tiles live at {outputDir}/{z}/{x}/{y}.jpg. Writes go through a temporary
// file in the destination directory followed by fsync and rename, so a tile
// is either fully present at its final path or absent. Leftover temporary
// files from a killed process are removed by CleanTemp.
//
//	manager, err := storage.NewManager("./tiles")
//	if !manager.Exists(key) {
//	    _, err = manager.Save(bytes.NewReader(body), key)
//	}
package storage
